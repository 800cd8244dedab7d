package router

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"steamwatch/internal/fault"
	"steamwatch/internal/storage"
	logx "steamwatch/pkg/logx"
)

type Middleware func(next HandlerFunc) HandlerFunc

// Auditor records admin actions.
type Auditor interface {
	Audit(ctx context.Context, e storage.AuditEntry)
}

func Chain(h HandlerFunc, m ...Middleware) HandlerFunc {
	for i := len(m) - 1; i >= 0; i-- {
		h = m[i](h)
	}
	return h
}

func MWTimeout(d time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			if d <= 0 {
				return next(ctx, req)
			}
			cctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()
			return next(cctx, req)
		}
	}
}

func MWPanicRecover(log logx.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) (err error) {
			defer func() {
				if r := recover(); r != nil {
					logger := log
					if req != nil && !req.Logger.IsZero() {
						logger = req.Logger
					}
					logger.Error("panic recovered", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
					err = fmt.Errorf("panic: %v", r)
				}
			}()
			return next(ctx, req)
		}
	}
}

// MWRequestLog logs each command; slow successes are raised to info.
func MWRequestLog(log logx.Logger) Middleware {
	const slow = 750 * time.Millisecond
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			l := log
			if !req.Logger.IsZero() {
				l = req.Logger
			}
			start := time.Now()
			err := next(ctx, req)
			took := time.Since(start)

			l = l.With(logx.String("group", req.Group), logx.Int64("from_id", req.FromID), logx.String("cmd", req.Command), logx.Duration("dur", took))
			switch {
			case err != nil:
				l.Warn("request failed", logx.Err(err))
			case took >= slow:
				l.Info("request ok")
			default:
				l.Debug("request ok")
			}
			return err
		}
	}
}

// MWAudit appends one audit entry per command. Help is not audited.
func MWAudit(a Auditor) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			if a == nil || req.Command == "help" {
				return next(ctx, req)
			}
			start := time.Now()
			err := next(ctx, req)
			e := storage.AuditEntry{
				ActorID:       req.FromID,
				ActorUsername: req.From,
				Group:         req.Group,
				Action:        req.Command,
				Target:        strings.Join(req.RawArgs, " "),
				OK:            err == nil,
				TookMS:        time.Since(start).Milliseconds(),
				MetaJSON:      `{"rid":` + strconv.Quote(req.ReqID) + `}`,
			}
			if err != nil {
				e.Error = err.Error()
			}
			a.Audit(context.WithoutCancel(ctx), e)
			return err
		}
	}
}

// MWReplyError answers a failed command in the chat. The reply gets its
// own short deadline since ctx may be the one that expired.
func MWReplyError() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			err := next(ctx, req)
			if err != nil {
				rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
				defer cancel()
				_ = req.Reply(rctx, FormatError(err))
			}
			return err
		}
	}
}

// FormatError renders err as "<Kind>: identity=… group=… (cause)".
func FormatError(err error) string {
	var fe *fault.Error
	if !errors.As(err, &fe) {
		return "error: " + err.Error()
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s:", fe.Kind)
	if fe.Identity != 0 {
		fmt.Fprintf(&b, " identity=%d", fe.Identity)
	}
	if fe.Group != "" {
		fmt.Fprintf(&b, " group=%s", fe.Group)
	}
	if fe.Err != nil {
		fmt.Fprintf(&b, " (%v)", fe.Err)
	}
	return b.String()
}
