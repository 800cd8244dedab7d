package transport

import "context"

type UpdateKind string

const (
	UpdateMessage UpdateKind = "message"
)

// Update is one inbound chat event for the admin surface.
type Update struct {
	Kind    UpdateKind
	Message *Inbound
}

type Inbound struct {
	ID           int
	ChatID       int64
	ThreadID     int // telegram forum topic thread id (0 if none)
	FromID       int64
	FromUsername string
	Text         string
	IsGroup      bool
}

// Group returns the group id the message was posted in.
func (m Inbound) Group() string {
	return Group{Channel: ChannelTelegram, ChatID: m.ChatID, ThreadID: m.ThreadID}.String()
}

type ChatTarget struct {
	ChatID   int64
	ThreadID int
}

// Card is an optional rendered image attached to a notification.
// Image takes precedence over ImageURL.
type Card struct {
	Image    []byte
	ImageURL string
	Caption  string
}

func (c *Card) Empty() bool {
	return c == nil || (len(c.Image) == 0 && c.ImageURL == "")
}

// Message is what a delivery channel sends into a group.
type Message struct {
	Text string
	Card *Card
}

// Deliverer sends one message into one group.
type Deliverer interface {
	Deliver(ctx context.Context, group string, msg Message) error
}

type DelivererFunc func(ctx context.Context, group string, msg Message) error

func (f DelivererFunc) Deliver(ctx context.Context, group string, msg Message) error {
	return f(ctx, group, msg)
}

// Adapter is a delivery channel that also produces admin updates.
type Adapter interface {
	Deliverer
	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error
	Reply(ctx context.Context, to ChatTarget, text string) error
}

// BotCommand represents a single bot command menu entry.
type BotCommand struct {
	Command     string
	Description string
}

// CommandMenuUpdater is an optional interface that adapters can implement
// to update platform-specific bot command menus (e.g. Telegram /menu list).
type CommandMenuUpdater interface {
	UpdateMenuCommands(ctx context.Context, cmds []BotCommand) error
}
