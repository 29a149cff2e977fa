package notify

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/slack-go/slack"
)

// OpsNotifier raises operational incidents in the team Slack channel:
// breaker trips, permanent task failures, session problems. A nil or
// unconfigured notifier drops messages silently, so callers never branch.
type OpsNotifier struct {
	client  *slack.Client
	channel string
}

// NewOpsNotifier creates the Slack ops notifier. An empty token disables it.
func NewOpsNotifier(token, channel string) *OpsNotifier {
	if token == "" || channel == "" {
		return &OpsNotifier{}
	}
	return &OpsNotifier{
		client:  slack.New(token),
		channel: channel,
	}
}

// Incident posts an operational incident message.
func (n *OpsNotifier) Incident(ctx context.Context, component, summary string) {
	if n == nil || n.client == nil {
		return
	}

	_, _, err := n.client.PostMessageContext(ctx, n.channel,
		slack.MsgOptionText(fmt.Sprintf(":rotating_light: *%s*: %s", component, summary), false),
	)
	if err != nil {
		log.Warn().
			Err(err).
			Str("component", component).
			Msg("Failed to post ops incident to Slack")
	}
}

// Info posts a low-urgency operational note, such as a completed purge.
func (n *OpsNotifier) Info(ctx context.Context, component, summary string) {
	if n == nil || n.client == nil {
		return
	}

	_, _, err := n.client.PostMessageContext(ctx, n.channel,
		slack.MsgOptionText(fmt.Sprintf("*%s*: %s", component, summary), false),
	)
	if err != nil {
		log.Warn().
			Err(err).
			Str("component", component).
			Msg("Failed to post ops note to Slack")
	}
}
