package notification

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"

	"semaphore/messaging/internal/apperr"
	"semaphore/messaging/internal/config"
	"semaphore/messaging/internal/model"
)

// vapidPublicKeyLength is the size of an uncompressed P-256 point.
const vapidPublicKeyLength = 65

// Pusher delivers one payload to one subscription and reports the endpoint's HTTP status.
type Pusher interface {
	Send(ctx context.Context, sub model.PushSubscription, payload []byte) (int, error)
}

// PushSender is the VAPID web push transport.
type PushSender struct {
	publicKey  string
	privateKey string
	subscriber string
	ttl        time.Duration
	timeout    time.Duration
	client     *http.Client
}

// NewPushSender validates the key pair. An invalid pair yields a configuration error and the
// caller runs with push disabled.
func NewPushSender(cfg config.PushConfig, client *http.Client) (*PushSender, error) {
	if !ValidVAPIDPublicKey(cfg.VAPIDPublicKey) {
		return nil, apperr.Configuration("invalid_vapid_public_key", "VAPID public key must decode to 65 bytes")
	}
	if strings.TrimSpace(cfg.VAPIDPrivateKey) == "" {
		return nil, apperr.Configuration("missing_vapid_private_key", "VAPID private key is required")
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &PushSender{
		publicKey:  cfg.VAPIDPublicKey,
		privateKey: cfg.VAPIDPrivateKey,
		subscriber: strings.TrimPrefix(cfg.Subject, "mailto:"),
		ttl:        cfg.TTL,
		timeout:    cfg.Timeout,
		client:     client,
	}, nil
}

func ValidVAPIDPublicKey(key string) bool {
	key = strings.TrimRight(strings.TrimSpace(key), "=")
	if key == "" {
		return false
	}
	decoded, err := base64.RawURLEncoding.DecodeString(key)
	if err != nil {
		decoded, err = base64.RawStdEncoding.DecodeString(key)
		if err != nil {
			return false
		}
	}
	return len(decoded) == vapidPublicKeyLength
}

func (p *PushSender) PublicKey() string {
	return p.publicKey
}

func (p *PushSender) Send(ctx context.Context, sub model.PushSubscription, payload []byte) (int, error) {
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}
	resp, err := webpush.SendNotificationWithContext(ctx, payload, &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys:     webpush.Keys{P256dh: sub.P256dh, Auth: sub.Auth},
	}, &webpush.Options{
		HTTPClient:      p.client,
		Subscriber:      p.subscriber,
		VAPIDPublicKey:  p.publicKey,
		VAPIDPrivateKey: p.privateKey,
		TTL:             int(p.ttl.Seconds()),
	})
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= http.StatusBadRequest {
		return resp.StatusCode, fmt.Errorf("push endpoint returned %d", resp.StatusCode)
	}
	return resp.StatusCode, nil
}

// endpointGone reports statuses after which a subscription will never accept deliveries again.
func endpointGone(status int) bool {
	return status == http.StatusGone || status == http.StatusNotFound
}
