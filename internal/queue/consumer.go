package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
)

// Consumer binds a durable queue to every order.* event and appends each
// event to an audit log, one line per event.
type Consumer struct {
	URL      string
	Exchange string
	Queue    string
	LogPath  string
	Log      logrus.FieldLogger
}

// Run consumes until ctx is done, reconnecting with backoff whenever the
// broker goes away.  It returns nil once ctx is cancelled.
func (c *Consumer) Run(ctx context.Context) error {
	backoff := time.Second
	for {
		conn, err := amqp.Dial(c.URL)
		if err != nil {
			c.Log.WithError(err).WithField("retry_in", backoff).Warn("order-consumer: dial failed")
			if !sleepCtx(ctx, backoff) {
				return nil
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second

		err = c.consume(ctx, conn)
		_ = conn.Close()
		if ctx.Err() != nil {
			return nil
		}
		c.Log.WithError(err).Warn("order-consumer: consume loop ended, reconnecting")
		if !sleepCtx(ctx, 2*time.Second) {
			return nil
		}
	}
}

func (c *Consumer) consume(ctx context.Context, conn *amqp.Connection) error {
	ch, err := conn.Channel()
	if err != nil {
		return errors.Wrap(err, "channel open")
	}
	defer func() { _ = ch.Close() }()

	if err := ch.Qos(50, 0, false); err != nil {
		c.Log.WithError(err).Warn("order-consumer: set QoS failed")
	}
	if err := declareExchange(ch, c.Exchange); err != nil {
		return err
	}
	if _, err := ch.QueueDeclare(c.Queue, true, false, false, false, nil); err != nil {
		return errors.Wrap(err, "queue declare")
	}
	if err := ch.QueueBind(c.Queue, "order.*", c.Exchange, false, nil); err != nil {
		return errors.Wrap(err, "queue bind")
	}
	msgs, err := ch.Consume(c.Queue, "", false, false, false, false, nil)
	if err != nil {
		return errors.Wrap(err, "queue consume")
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-msgs:
			if !ok {
				return errors.New("deliveries channel closed")
			}
			if err := c.handle(d.Body); err != nil {
				c.Log.WithError(err).Error("order-consumer: handle message failed")
				_ = d.Nack(false, false) // reject, do not requeue to avoid tight loops
				continue
			}
			_ = d.Ack(false)
		}
	}
}

func (c *Consumer) handle(body []byte) error {
	var ev OrderEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return errors.Wrap(err, "unmarshal")
	}
	if err := os.MkdirAll(filepath.Dir(c.LogPath), 0o755); err != nil {
		return errors.Wrap(err, "mkdir audit dir")
	}
	f, err := os.OpenFile(c.LogPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return errors.Wrap(err, "open audit log")
	}
	defer f.Close()
	return writeAuditLine(f, ev)
}

func writeAuditLine(w io.Writer, ev OrderEvent) error {
	seats := make([]string, len(ev.SeatIDs))
	for i, id := range ev.SeatIDs {
		seats[i] = strconv.FormatUint(id, 10)
	}
	_, err := fmt.Fprintf(w, "[%s] %s | order_no=%s | holder_id=%s | session_id=%d | status=%s | total=%d cents | seats=[%s]\n",
		ev.OccurredAt.UTC().Format(time.RFC3339), ev.Type, ev.OrderNo, ev.HolderID, ev.SessionID,
		ev.Status, ev.TotalAmountCents, strings.Join(seats, ","))
	return errors.Wrap(err, "write audit log")
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
