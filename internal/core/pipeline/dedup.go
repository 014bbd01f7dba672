package pipeline

import (
	"context"

	"github.com/hive-corporation/vulnvault/internal/core/domain"
	"github.com/hive-corporation/vulnvault/internal/core/ports"
)

// DedupResult reports how a batch was narrowed before insertion.
type DedupResult struct {
	Fresh     []domain.Envelope
	Collapsed int // duplicates removed within the batch itself
	Known     int // envelopes already present in the store
}

// Dedup narrows a batch to envelopes not yet in the store. Duplicate keys
// inside the batch collapse to the first occurrence, then a single
// membership probe against the store filters out keys already persisted.
// At most one store round trip per batch regardless of batch size.
func Dedup(ctx context.Context, store ports.DocumentStore, table string, batch []domain.Envelope) (DedupResult, error) {
	var res DedupResult
	if len(batch) == 0 {
		return res, nil
	}

	seen := make(map[string]struct{}, len(batch))
	collapsed := make([]domain.Envelope, 0, len(batch))
	keys := make([]string, 0, len(batch))
	for _, env := range batch {
		key := env.DedupKey()
		if _, dup := seen[key]; dup {
			res.Collapsed++
			continue
		}
		seen[key] = struct{}{}
		collapsed = append(collapsed, env)
		keys = append(keys, key)
	}

	existing, err := store.ExistingKeys(ctx, table, keys)
	if err != nil {
		return res, err
	}

	res.Fresh = make([]domain.Envelope, 0, len(collapsed))
	for _, env := range collapsed {
		if _, known := existing[env.DedupKey()]; known {
			res.Known++
			continue
		}
		res.Fresh = append(res.Fresh, env)
	}
	return res, nil
}
