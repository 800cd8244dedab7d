package steam

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"steamwatch/internal/presence"
	logx "steamwatch/pkg/logx"
)

type schemaResponse struct {
	Game struct {
		GameName           string `json:"gameName"`
		AvailableGameStats struct {
			Achievements []struct {
				Name        string `json:"name"`
				DisplayName string `json:"displayName"`
				Description string `json:"description"`
				Icon        string `json:"icon"`
			} `json:"achievements"`
		} `json:"availableGameStats"`
	} `json:"game"`
}

type percentagesResponse struct {
	AchievementPercentages struct {
		Achievements []struct {
			Name    string    `json:"name"`
			Percent flexFloat `json:"percent"`
		} `json:"achievements"`
	} `json:"achievementpercentages"`
}

// flexFloat decodes numbers sent either as JSON numbers or strings.
type flexFloat float64

func (f *flexFloat) UnmarshalJSON(b []byte) error {
	s := strings.Trim(strings.TrimSpace(string(b)), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("percent %q: %w", s, err)
	}
	*f = flexFloat(v)
	return nil
}

var _ json.Unmarshaler = (*flexFloat)(nil)

// Achievement returns display metadata for one achievement, or nil when the
// schema is unavailable. Failures never block a notification.
func (c *Client) Achievement(ctx context.Context, appID uint64, achievementID string) *presence.AchievementInfo {
	all, err := c.Details(ctx, appID)
	if err != nil {
		c.log.Debug("achievement details unavailable", logx.Uint64("app_id", appID), logx.Err(err))
		return nil
	}
	info, ok := all[achievementID]
	if !ok {
		return nil
	}
	return &info
}

// Details returns the achievement catalog of appID keyed by achievement id.
// Results are cached for DetailsTTL.
func (c *Client) Details(ctx context.Context, appID uint64) (map[string]presence.AchievementInfo, error) {
	if v, ok := c.details.Get(appID); ok {
		return v, nil
	}
	c.mu.RLock()
	langs := append([]string(nil), c.cfg.Languages...)
	ttl := c.cfg.DetailsTTL
	c.mu.RUnlock()

	appParam := strconv.FormatUint(appID, 10)
	var (
		schema  schemaResponse
		lastErr error
		got     bool
	)
	for _, lang := range langs {
		var out schemaResponse
		err := c.getJSON(ctx, "schema", "/ISteamUserStats/GetSchemaForGame/v2/", url.Values{"appid": {appParam}, "l": {lang}}, &out)
		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				break
			}
			continue
		}
		schema, got = out, true
		if hasText(out) {
			break
		}
	}
	if !got {
		return nil, lastErr
	}

	percents := map[string]float64{}
	var pct percentagesResponse
	if err := c.getJSON(ctx, "global_percentages", "/ISteamUserStats/GetGlobalAchievementPercentagesForApp/v2/", url.Values{"gameid": {appParam}}, &pct); err != nil {
		c.log.Debug("global percentages unavailable", logx.Uint64("app_id", appID), logx.Err(err))
	} else {
		for _, a := range pct.AchievementPercentages.Achievements {
			percents[a.Name] = float64(a.Percent)
		}
	}

	out := make(map[string]presence.AchievementInfo, len(schema.Game.AvailableGameStats.Achievements))
	for _, a := range schema.Game.AvailableGameStats.Achievements {
		if a.Name == "" {
			continue
		}
		info := presence.AchievementInfo{
			Name:        strings.TrimSpace(a.DisplayName),
			Description: strings.TrimSpace(a.Description),
			IconURL:     iconURL(appID, a.Icon),
		}
		if info.Name == "" {
			info.Name = a.Name
		}
		if p, ok := percents[a.Name]; ok {
			info.GlobalPercent, info.HasPercent = p, true
		}
		out[a.Name] = info
	}
	c.details.Set(appID, out, ttl)
	return out, nil
}

func hasText(s schemaResponse) bool {
	for _, a := range s.Game.AvailableGameStats.Achievements {
		if strings.TrimSpace(a.DisplayName) != "" {
			return true
		}
	}
	return false
}

// iconURL accepts either a full URL or the bare hash some responses carry.
func iconURL(appID uint64, icon string) string {
	icon = strings.TrimSpace(icon)
	switch {
	case icon == "":
		return ""
	case strings.HasPrefix(icon, "http://") || strings.HasPrefix(icon, "https://"):
		return icon
	default:
		return fmt.Sprintf(iconCDN, appID, strings.TrimSuffix(icon, ".jpg"))
	}
}
