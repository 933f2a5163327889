package notify

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
)

// Field describes one configuration input a provider needs.
type Field struct {
	Key      string `json:"key"`
	Label    string `json:"label"`
	Required bool   `json:"required"`
	Secret   bool   `json:"secret,omitempty"`
	Help     string `json:"help,omitempty"`
}

// Provider is a supported alert destination and the form schema that
// configures it. The assembled Shoutrrr URL is stored server-side; the
// raw fields are never persisted.
type Provider struct {
	Type   string  `json:"type"`
	Label  string  `json:"label"`
	Fields []Field `json:"fields"`

	build func(map[string]string) (string, error)
}

var providers = map[string]Provider{
	"slack": {
		Type: "slack", Label: "Slack",
		Fields: []Field{
			{Key: "webhook_url", Label: "Webhook URL", Required: true, Secret: true,
				Help: "https://hooks.slack.com/services/T.../B.../..."},
			{Key: "channel", Label: "Channel", Help: "Blank uses the webhook's default"},
		},
		build: buildSlack,
	},
	"discord": {
		Type: "discord", Label: "Discord",
		Fields: []Field{
			{Key: "webhook_url", Label: "Webhook URL", Required: true, Secret: true,
				Help: "Server Settings → Integrations → Webhooks"},
			{Key: "username", Label: "Bot Display Name"},
		},
		build: buildDiscord,
	},
	"telegram": {
		Type: "telegram", Label: "Telegram",
		Fields: []Field{
			{Key: "bot_token", Label: "Bot Token", Required: true, Secret: true,
				Help: "From https://t.me/BotFather"},
			{Key: "chat_id", Label: "Chat ID", Required: true},
		},
		build: buildTelegram,
	},
	"email": {
		Type: "email", Label: "Email (SMTP)",
		Fields: []Field{
			{Key: "host", Label: "SMTP Host", Required: true},
			{Key: "port", Label: "Port", Required: true},
			{Key: "username", Label: "Username"},
			{Key: "password", Label: "Password", Secret: true},
			{Key: "from", Label: "From Address", Required: true},
			{Key: "to", Label: "To Address", Required: true,
				Help: "Comma-separated for multiple recipients"},
		},
		build: buildEmail,
	},
	"gotify": {
		Type: "gotify", Label: "Gotify",
		Fields: []Field{
			{Key: "server_url", Label: "Server URL", Required: true},
			{Key: "app_token", Label: "Application Token", Required: true, Secret: true},
		},
		build: buildGotify,
	},
	"shoutrrr": {
		Type: "shoutrrr", Label: "Shoutrrr URL",
		Fields: []Field{
			{Key: "url", Label: "Service URL", Required: true, Secret: true,
				Help: "Any service Shoutrrr supports, e.g. pushover://..."},
		},
		build: buildRaw,
	},
}

// Providers returns the catalog, sorted by type.
func Providers() []Provider {
	out := make([]Provider, 0, len(providers))
	for _, p := range providers {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Type < out[j].Type })
	return out
}

// BuildURL validates the fields for a provider and assembles its
// Shoutrrr URL.
func BuildURL(providerType string, fields map[string]string) (string, error) {
	p, ok := providers[providerType]
	if !ok {
		return "", fmt.Errorf("unknown provider %q", providerType)
	}
	for _, f := range p.Fields {
		if f.Required && strings.TrimSpace(fields[f.Key]) == "" {
			return "", fmt.Errorf("%s is required", f.Label)
		}
	}
	return p.build(fields)
}

// ─── URL builders ────────────────────────────────────────────────────────────

// slack://tokenA/tokenB/tokenC[?channel=...]
func buildSlack(f map[string]string) (string, error) {
	parts := strings.Split(strings.TrimRight(strings.TrimSpace(f["webhook_url"]), "/"), "/")
	if len(parts) < 3 {
		return "", fmt.Errorf("invalid Slack webhook URL")
	}
	u := fmt.Sprintf("slack://%s/%s/%s", parts[len(parts)-3], parts[len(parts)-2], parts[len(parts)-1])
	if f["channel"] != "" {
		u += "?channel=" + url.QueryEscape(f["channel"])
	}
	return u, nil
}

// discord://token@webhookID[?username=...]
func buildDiscord(f map[string]string) (string, error) {
	parts := strings.Split(strings.TrimRight(strings.TrimSpace(f["webhook_url"]), "/"), "/")
	if len(parts) < 2 {
		return "", fmt.Errorf("invalid Discord webhook URL")
	}
	token, id := parts[len(parts)-1], parts[len(parts)-2]
	if token == "" || id == "" {
		return "", fmt.Errorf("invalid Discord webhook URL")
	}
	u := fmt.Sprintf("discord://%s@%s", token, id)
	if f["username"] != "" {
		u += "?username=" + url.QueryEscape(f["username"])
	}
	return u, nil
}

// telegram://token@telegram?chats=chatID
func buildTelegram(f map[string]string) (string, error) {
	params := url.Values{}
	params.Set("chats", strings.TrimSpace(f["chat_id"]))
	return fmt.Sprintf("telegram://%s@telegram?%s", strings.TrimSpace(f["bot_token"]), params.Encode()), nil
}

// smtp://[user:pass@]host:port/?from=...&to=...
func buildEmail(f map[string]string) (string, error) {
	userinfo := ""
	if f["username"] != "" {
		userinfo = url.PathEscape(f["username"])
		if f["password"] != "" {
			userinfo += ":" + url.PathEscape(f["password"])
		}
		userinfo += "@"
	}
	params := url.Values{}
	params.Set("from", strings.TrimSpace(f["from"]))
	params.Set("to", strings.TrimSpace(f["to"]))
	return fmt.Sprintf("smtp://%s%s:%s/?%s",
		userinfo, strings.TrimSpace(f["host"]), strings.TrimSpace(f["port"]), params.Encode()), nil
}

// gotify://host/token
func buildGotify(f map[string]string) (string, error) {
	host := strings.TrimSpace(f["server_url"])
	host = strings.TrimPrefix(host, "https://")
	host = strings.TrimPrefix(host, "http://")
	host = strings.TrimRight(host, "/")
	return fmt.Sprintf("gotify://%s/%s", host, strings.TrimSpace(f["app_token"])), nil
}

// Raw passthrough for any service Shoutrrr knows that has no dedicated
// form here. The scheme check keeps plain http(s) URLs out; those belong
// to a webhook service, not this escape hatch.
func buildRaw(f map[string]string) (string, error) {
	raw := strings.TrimSpace(f["url"])
	scheme, _, ok := strings.Cut(raw, "://")
	if !ok || scheme == "" || scheme == "http" || scheme == "https" {
		return "", fmt.Errorf("expected a shoutrrr service URL, e.g. pushover://...")
	}
	return raw, nil
}
