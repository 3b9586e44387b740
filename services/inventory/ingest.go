package inventory

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"reflect"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"warden/pkg/bus"
	"warden/pkg/db"
)

const (
	auditActor  = "agent"
	auditAction = "inventory_updated"
	durableName = "inventory-snapshots"
)

// Ingestor consumes agent inventory snapshots from the bus, persists them, and
// records what changed against the previous snapshot in the audit trail.
// Snapshots are append-only; history is never rewritten.
type Ingestor struct {
	pool *pgxpool.Pool
	bus  *bus.Bus

	subMu sync.Mutex
	sub   io.Closer
}

// NewIngestor constructs an Ingestor for the provided dependencies.
func NewIngestor(pool *pgxpool.Pool, b *bus.Bus) (*Ingestor, error) {
	if pool == nil {
		return nil, errors.New("database pool is required")
	}
	if b == nil {
		return nil, errors.New("bus is required")
	}
	return &Ingestor{pool: pool, bus: b}, nil
}

// Start subscribes to inventory snapshots and processes them until ctx is
// cancelled.
func (i *Ingestor) Start(ctx context.Context) error {
	if i == nil {
		return errors.New("nil ingestor")
	}
	if ctx == nil {
		return errors.New("context is required")
	}

	sub, err := i.bus.Subscribe(ctx, bus.SubjectInventory, durableName, func(msgCtx context.Context, evt bus.Event) error {
		return i.handleSnapshot(msgCtx, evt)
	})
	if err != nil {
		return err
	}

	i.subMu.Lock()
	i.sub = sub
	i.subMu.Unlock()

	return nil
}

// Close stops the underlying subscription if it was created.
func (i *Ingestor) Close() error {
	if i == nil {
		return nil
	}

	i.subMu.Lock()
	defer i.subMu.Unlock()

	if i.sub == nil {
		return nil
	}
	err := i.sub.Close()
	i.sub = nil
	return err
}

func (i *Ingestor) handleSnapshot(ctx context.Context, evt bus.Event) error {
	rawServerID, _ := evt.Payload["server_id"].(string)
	serverID, err := uuid.Parse(rawServerID)
	if err != nil {
		return errors.New("server_id missing from event")
	}
	snapshot, _ := evt.Payload["snapshot"].(map[string]any)
	if snapshot == nil {
		snapshot = map[string]any{}
	}

	previous, err := i.previousSnapshot(ctx, serverID)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return err
	}

	snapshotID := uuid.New()
	if err := i.insertSnapshot(ctx, snapshotID, serverID, snapshot, evt.EmittedAt); err != nil {
		return err
	}

	diff := computeDiff(previous, snapshot)
	if len(diff) == 0 {
		// Unchanged inventory is stored for history but makes no audit noise.
		return nil
	}

	return i.insertAudit(ctx, serverID, snapshotID, diff)
}

func (i *Ingestor) previousSnapshot(ctx context.Context, serverID uuid.UUID) (map[string]any, error) {
	var raw []byte
	err := db.Get(ctx, i.pool, &raw, `
SELECT snapshot
FROM inventories
WHERE server_id = $1
ORDER BY created_at DESC
LIMIT 1
`, serverID)
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return map[string]any{}, nil
	}

	var snapshot map[string]any
	if err := json.Unmarshal(raw, &snapshot); err != nil {
		return nil, err
	}
	return snapshot, nil
}

func (i *Ingestor) insertSnapshot(ctx context.Context, snapshotID, serverID uuid.UUID, snapshot map[string]any, at time.Time) error {
	snapshotBytes, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	if at.IsZero() {
		at = time.Now().UTC()
	}

	_, err = db.Exec(ctx, i.pool, `
INSERT INTO inventories (id, server_id, snapshot, created_at)
VALUES ($1, $2, $3::jsonb, $4)
ON CONFLICT (id) DO NOTHING
`, snapshotID, serverID, snapshotBytes, at)
	return err
}

func (i *Ingestor) insertAudit(ctx context.Context, serverID, snapshotID uuid.UUID, diff map[string]map[string]any) error {
	details := map[string]any{
		"server_id":   serverID.String(),
		"snapshot_id": snapshotID.String(),
		"changes":     diff,
	}

	detailsBytes, err := json.Marshal(details)
	if err != nil {
		return err
	}

	_, err = db.Exec(ctx, i.pool, `
INSERT INTO audit_trail (actor, action, obj, details)
VALUES ($1, $2, $3, $4::jsonb)
`, auditActor, auditAction, serverID.String(), detailsBytes)
	return err
}

// computeDiff reports top-level keys whose values were added, removed, or
// changed between two snapshots.
func computeDiff(previous, current map[string]any) map[string]map[string]any {
	if previous == nil {
		previous = map[string]any{}
	}
	if current == nil {
		current = map[string]any{}
	}

	diff := make(map[string]map[string]any)

	for key, prevVal := range previous {
		curVal, ok := current[key]
		if !ok {
			diff[key] = map[string]any{"old": prevVal, "new": nil}
			continue
		}
		if !reflect.DeepEqual(prevVal, curVal) {
			diff[key] = map[string]any{"old": prevVal, "new": curVal}
		}
	}

	for key, curVal := range current {
		if _, seen := previous[key]; seen {
			continue
		}
		diff[key] = map[string]any{"old": nil, "new": curVal}
	}

	return diff
}
