// Package natsbcst publishes race-control events and leaderboard snapshots
// via NATS. The latest board of each session is kept in a JetStream KV bucket.
package natsbcst

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/mpapenbr/kartrace-service-manager-go/log"
	"github.com/mpapenbr/kartrace-service-manager-go/pkg/leaderboard"
	"github.com/mpapenbr/kartrace-service-manager-go/pkg/model"
)

const (
	DefaultPrefix = "ksm"
	DefaultBucket = "ksm_leaderboards"
)

var ErrNoSnapshot = errors.New("no snapshot available")

type (
	Option    func(*Publisher)
	Publisher struct {
		conn   *nats.Conn
		kv     jetstream.KeyValue
		prefix string
		bucket string
		l      *log.Logger
	}
)

func WithPrefix(arg string) Option {
	return func(p *Publisher) {
		p.prefix = arg
	}
}

func WithBucket(arg string) Option {
	return func(p *Publisher) {
		p.bucket = arg
	}
}

func WithLogger(arg *log.Logger) Option {
	return func(p *Publisher) {
		p.l = arg
	}
}

func New(ctx context.Context, conn *nats.Conn, opts ...Option) (*Publisher, error) {
	ret := &Publisher{
		conn:   conn,
		prefix: DefaultPrefix,
		bucket: DefaultBucket,
		l:      log.Default().Named("nats"),
	}
	for _, opt := range opts {
		opt(ret)
	}
	if err := ret.setupKV(ctx); err != nil {
		return nil, err
	}
	return ret, nil
}

func (p *Publisher) setupKV(ctx context.Context) error {
	js, err := jetstream.New(p.conn)
	if err != nil {
		return err
	}
	p.kv, err = js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      p.bucket,
		Description: "latest leaderboard per session",
		History:     1,
	})
	return err
}

func (p *Publisher) PublishEvent(ctx context.Context, ev *model.RaceEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return p.conn.Publish(EventSubject(p.prefix, ev.Type), data)
}

func (p *Publisher) PublishSnapshot(ctx context.Context, snap *leaderboard.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	if err = p.conn.Publish(SnapshotSubject(p.prefix, snap.SessionID), data); err != nil {
		return fmt.Errorf("publish snapshot: %w", err)
	}
	if _, err = p.kv.Put(ctx, SnapshotKey(snap.SessionID), data); err != nil {
		return fmt.Errorf("store snapshot: %w", err)
	}
	return nil
}

// Latest reads the last stored snapshot of a session
//
//nolint:whitespace // editor/linter issue
func (p *Publisher) Latest(
	ctx context.Context,
	sessionID int,
) (*leaderboard.Snapshot, error) {
	kve, err := p.kv.Get(ctx, SnapshotKey(sessionID))
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, ErrNoSnapshot
		}
		return nil, err
	}
	return DecodeSnapshot(kve.Value())
}

// Forward publishes every snapshot received on ch until ctx is done
// or ch is closed.
func (p *Publisher) Forward(ctx context.Context, ch <-chan *leaderboard.Snapshot) {
	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-ch:
			if !ok {
				p.l.Debug("snapshot channel closed")
				return
			}
			if err := p.PublishSnapshot(ctx, snap); err != nil {
				p.l.Warn("could not publish snapshot",
					log.Int("session", snap.SessionID), log.ErrorField(err))
			}
		}
	}
}

// Watch delivers published snapshots of a session until ctx is done.
//
//nolint:whitespace // editor/linter issue
func Watch(
	ctx context.Context,
	conn *nats.Conn,
	prefix string,
	sessionID int,
) (<-chan *leaderboard.Snapshot, error) {
	msgs := make(chan *nats.Msg, 16)
	sub, err := conn.ChanSubscribe(SnapshotSubject(prefix, sessionID), msgs)
	if err != nil {
		return nil, err
	}
	l := log.GetFromContext(ctx).Named("nats.watch")
	ret := make(chan *leaderboard.Snapshot)
	go func() {
		defer close(ret)
		defer func() {
			if err := sub.Unsubscribe(); err != nil {
				l.Debug("unsubscribe", log.ErrorField(err))
			}
		}()
		for {
			select {
			case <-ctx.Done():
				return
			case msg := <-msgs:
				snap, err := DecodeSnapshot(msg.Data)
				if err != nil {
					l.Warn("could not decode snapshot", log.ErrorField(err))
					continue
				}
				select {
				case ret <- snap:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return ret, nil
}

func EventSubject(prefix string, t model.RaceEventType) string {
	return fmt.Sprintf("%s.events.%s", prefix, t)
}

func SnapshotSubject(prefix string, sessionID int) string {
	return fmt.Sprintf("%s.leaderboard.%d", prefix, sessionID)
}

func SnapshotKey(sessionID int) string {
	return fmt.Sprintf("session.%d", sessionID)
}

func DecodeSnapshot(data []byte) (*leaderboard.Snapshot, error) {
	var ret leaderboard.Snapshot
	if err := json.Unmarshal(data, &ret); err != nil {
		return nil, err
	}
	return &ret, nil
}
