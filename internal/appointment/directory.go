package appointment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/hackgods/nutrition-scheduling/internal/availability"
	"github.com/hackgods/nutrition-scheduling/internal/kvstore"
)

const nutritionistsRoot = "nutritionists"

var ErrInvalidProfile = errors.New("invalid nutritionist profile")

// Directory stores nutritionist profiles, including the raw availability
// document each one publishes.
type Directory struct {
	store kvstore.Store
	now   func() time.Time
}

func NewDirectory(store kvstore.Store) *Directory {
	return &Directory{store: store, now: time.Now}
}

// Put creates or replaces a profile. Availability must normalize without
// problems; legacy encodings are accepted as long as every entry is valid.
func (d *Directory) Put(ctx context.Context, n Nutritionist) (*Nutritionist, error) {
	if err := kvstore.ValidateSegment(n.ID); err != nil {
		return nil, fmt.Errorf("%w: id: %v", ErrInvalidProfile, err)
	}
	n.Name = strings.TrimSpace(n.Name)
	if n.Name == "" {
		return nil, fmt.Errorf("%w: name is required", ErrInvalidProfile)
	}
	if len(n.Availability) > 0 {
		if !json.Valid(n.Availability) {
			return nil, fmt.Errorf("%w: availability is not valid JSON", ErrInvalidProfile)
		}
		if _, err := availability.NormalizeWeekly(n.Availability); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidProfile, err)
		}
	}
	n.UpdatedAt = d.now().UTC()

	raw, err := json.Marshal(n)
	if err != nil {
		return nil, fmt.Errorf("encode nutritionist: %w", err)
	}
	if err := d.store.Write(ctx, map[string][]byte{kvstore.Join(nutritionistsRoot, n.ID): raw}); err != nil {
		return nil, &StoreTransportError{Op: "put nutritionist", Err: err}
	}
	return &n, nil
}

func (d *Directory) Get(ctx context.Context, id string) (*Nutritionist, error) {
	if err := kvstore.ValidateSegment(id); err != nil {
		return nil, ErrNutritionistNotFound
	}
	raw, ok, err := d.store.Read(ctx, kvstore.Join(nutritionistsRoot, id))
	if err != nil {
		return nil, &StoreTransportError{Op: "get nutritionist", Err: err}
	}
	if !ok {
		return nil, ErrNutritionistNotFound
	}
	var n Nutritionist
	if err := json.Unmarshal(raw, &n); err != nil {
		return nil, fmt.Errorf("decode nutritionist %s: %w", id, err)
	}
	return &n, nil
}

func (d *Directory) List(ctx context.Context) ([]Nutritionist, error) {
	entries, err := d.store.List(ctx, nutritionistsRoot)
	if err != nil {
		return nil, &StoreTransportError{Op: "list nutritionists", Err: err}
	}
	out := make([]Nutritionist, 0, len(entries))
	for _, raw := range entries {
		var n Nutritionist
		if err := json.Unmarshal(raw, &n); err != nil {
			continue
		}
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
