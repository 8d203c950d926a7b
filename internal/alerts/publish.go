package alerts

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// Publisher delivers a payload to a topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// PublishHandler forwards alerts to a message broker under
// {prefix}/{camera}/{kind}. Inline snapshot data is not published.
type PublishHandler struct {
	pub    Publisher
	prefix string
}

func NewPublishHandler(pub Publisher, prefix string) *PublishHandler {
	if prefix == "" {
		prefix = "camwatch/alerts"
	}
	return &PublishHandler{pub: pub, prefix: strings.TrimSuffix(prefix, "/")}
}

func (h *PublishHandler) Topic(a *Alert) string {
	return fmt.Sprintf("%s/%s/%s", h.prefix, a.CameraID, a.Kind)
}

func (h *PublishHandler) Handle(ctx context.Context, a *Alert) error {
	msg := *a
	if a.Finding != nil {
		f := *a.Finding
		f.SnapshotBase64 = ""
		msg.Finding = &f
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}
	return h.pub.Publish(ctx, h.Topic(a), payload)
}
