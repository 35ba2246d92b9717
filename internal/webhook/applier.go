// Package webhook applies single-object mutations pushed by the provider.
// The applier reuses the timestamp-protected write path, so its outcomes
// linearize with concurrent backfills on _last_synced_at; it never touches
// run state.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/avonite/ledgersync/internal/metrics"
	"github.com/avonite/ledgersync/internal/registry"
	"github.com/avonite/ledgersync/internal/remote"
	"github.com/avonite/ledgersync/internal/writepath"
)

// ErrInvalidEvent marks a malformed event payload (invalid-input kind)
var ErrInvalidEvent = errors.New("webhook: invalid event")

// Applier maps webhook events onto write-path operations
type Applier struct {
	Writes   writepath.Store
	Registry *registry.Registry
	// Client refetches mutable objects; the event payload alone is only
	// trusted for final-state resources.
	Client remote.Client
	// DefaultAccount is used when the event names no account
	DefaultAccount string
	// Secret verifies inbound payload signatures
	Secret string
	// Tolerance bounds signature timestamp age; zero means DefaultTolerance
	Tolerance time.Duration
	// Now is the clock; overridable in tests
	Now func() time.Time
}

func (a *Applier) now() time.Time {
	if a.Now != nil {
		return a.Now()
	}
	return time.Now().UTC()
}

// ProcessWebhook verifies the raw payload's signature, decodes it, and applies
// the event. Verification failure is the auth kind and nothing is applied.
func (a *Applier) ProcessWebhook(ctx context.Context, rawBody []byte, sigHeader string) error {
	if err := VerifySignature(rawBody, sigHeader, a.Secret, a.Tolerance, a.now()); err != nil {
		metrics.WebhookEvents.WithLabelValues("unknown", "auth_failed").Inc()
		return err
	}

	var event remote.Event
	if err := json.Unmarshal(rawBody, &event); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	return a.ProcessEvent(ctx, event)
}

// ProcessEvent applies one decoded event: refetch-or-trust, then upsert or
// delete through the guard.
func (a *Applier) ProcessEvent(ctx context.Context, event remote.Event) error {
	logger := log.With().Str("event", event.ID).Str("type", event.Type).Logger()

	obj := event.Data.Object
	if obj == nil {
		return fmt.Errorf("%w: event %s has no object", ErrInvalidEvent, event.ID)
	}
	id := remote.ID(obj)
	if id == "" {
		return fmt.Errorf("%w: event %s object has no id", ErrInvalidEvent, event.ID)
	}

	objType, _ := remote.GetString(obj, "object")
	if objType == "" {
		// Fall back to the event type prefix ("customer.deleted" -> customer)
		objType, _, _ = strings.Cut(event.Type, ".")
	}
	res := a.Registry.Get(objType)
	if res == nil {
		logger.Debug().Str("object", objType).Msg("event for unregistered object type, ignoring")
		metrics.WebhookEvents.WithLabelValues(event.Type, "ignored").Inc()
		return nil
	}
	table, _ := a.Registry.TableFor(objType)

	accountID := event.Account
	if accountID == "" {
		accountID = a.DefaultAccount
	}

	if strings.HasSuffix(event.Type, ".deleted") {
		if err := a.applyDelete(ctx, table, accountID, id, event.Created); err != nil {
			metrics.WebhookEvents.WithLabelValues(event.Type, "error").Inc()
			return err
		}
		metrics.WebhookEvents.WithLabelValues(event.Type, "deleted").Inc()
		return nil
	}

	// Final-state objects never mutate again remotely; trust the payload
	// with the event's own timestamp. Everything else is refetched so the
	// freshest remote state wins, stamped with now().
	syncTimestamp := time.Unix(event.Created, 0).UTC()
	if res.IsFinalState == nil || !res.IsFinalState(obj) {
		fresh, err := a.refetch(ctx, res, objType, id)
		if err != nil {
			metrics.WebhookEvents.WithLabelValues(event.Type, "error").Inc()
			return err
		}
		if fresh != nil {
			obj = fresh
			syncTimestamp = a.now()
		}
	}

	if _, err := a.Writes.UpsertMany(ctx, table, accountID, []remote.Object{obj}, syncTimestamp); err != nil {
		metrics.WebhookEvents.WithLabelValues(event.Type, "error").Inc()
		return err
	}

	// Parent payloads carry their child list; removals in it are implicit
	if res.ChildList != "" {
		if coll, ok := remote.GetMap(obj, res.ChildList); ok {
			data, _ := remote.GetSlice(coll, "data")
			children := make([]remote.Object, 0, len(data))
			for _, c := range data {
				if child, ok := c.(map[string]any); ok {
					children = append(children, child)
				}
			}
			if err := a.Writes.ReconcileChildList(ctx, res.ChildTable, accountID,
				res.ChildParentField, id, children, syncTimestamp); err != nil {
				return err
			}
		}
	}

	metrics.WebhookEvents.WithLabelValues(event.Type, "applied").Inc()
	logger.Info().Str("id", id).Msg("event applied")
	return nil
}

// refetch pulls the current remote state; nil with no error means the object
// vanished remotely between the event and now, and the event payload should
// be used as-is.
func (a *Applier) refetch(ctx context.Context, res *registry.Resource, objType, id string) (remote.Object, error) {
	retrieve := res.Retrieve
	if retrieve == nil && a.Client != nil {
		retrieve = func(ctx context.Context, id string) (remote.Object, error) {
			return a.Client.Retrieve(ctx, objType, id)
		}
	}
	if retrieve == nil {
		return nil, nil
	}
	obj, err := retrieve(ctx, id)
	if err != nil {
		if errors.Is(err, remote.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("refetch %s/%s: %w", objType, id, err)
	}
	return obj, nil
}

// applyDelete soft-deletes when the table carries a deleted projection
// column, hard-deletes otherwise.
func (a *Applier) applyDelete(ctx context.Context, table, accountID, id string, eventCreated int64) error {
	soft, err := a.Writes.HasDeletedColumn(ctx, table)
	if err != nil {
		return err
	}
	if soft {
		return a.Writes.MarkDeleted(ctx, table, accountID, id, time.Unix(eventCreated, 0).UTC())
	}
	removed, err := a.Writes.Delete(ctx, table, id)
	if err != nil {
		return err
	}
	if !removed {
		log.Debug().Str("table", table).Str("id", id).Msg("delete event for absent row")
	}
	return nil
}
