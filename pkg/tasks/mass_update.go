package tasks

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"trionyx/pkg/filters"
	"trionyx/pkg/serializers"
)

// MassUpdateName is the name of the mass update task.
const MassUpdateName = "mass_update"

// MassUpdateError lists the objects a mass update could not change.
type MassUpdateError struct {
	Items []string
}

func (e *MassUpdateError) Error() string {
	return "Could not update the following items: " + strings.Join(e.Items, ", ")
}

// MassUpdate applies one set of field values to many objects of the task
// model. Args: "all" ("1" selects by "filters", a JSON filter list, and
// "search", a term narrowed like the list view; otherwise "ids", a comma
// separated id list) and "data", the values.
type MassUpdate struct {
	serializers *serializers.Registry
}

// NewMassUpdate returns the task. Values are decoded and validated by the
// model serializer.
func NewMassUpdate(s *serializers.Registry) *MassUpdate {
	return &MassUpdate{serializers: s}
}

func (*MassUpdate) Name() string        { return MassUpdateName }
func (*MassUpdate) Description() string { return "Mass update" }

// Run implements Task.
func (t *MassUpdate) Run(ctx *Context, args Args) (string, error) {
	cfg, err := ctx.Model()
	if err != nil {
		return "", err
	}
	ser, err := t.serializers.Get(cfg)
	if err != nil {
		return "", err
	}

	q := cfg.Query(ctx.DB())
	if args.String("all") == "1" {
		fs, err := filters.Decode(args.String("filters"))
		if err != nil {
			return "", err
		}
		if q, err = filters.Apply(q, cfg, fs); err != nil {
			return "", err
		}
		q = ctx.Search().Narrow(ctx, q, cfg, args.String("search"))
	} else {
		ids, err := parseIDs(args.String("ids"))
		if err != nil {
			return "", err
		}
		q = q.Where("id IN ?", ids)
	}

	list := cfg.NewSlice()
	if err := q.Order("id").Find(list).Error; err != nil {
		return "", fmt.Errorf("load objects: %w", err)
	}
	items := cfg.Items(list)
	data := args.Map("data")

	var failed []string
	for i, obj := range items {
		name := cfg.FormatVerboseName(obj)
		p, err := ser.Decode(obj, data, true)
		if err == nil {
			err = ser.Save(ctx, ctx.runtime.db, p)
		}
		if err != nil {
			failed = append(failed, describeFailure(name, err))
		}
		if err := ctx.SetProgress(int(math.Ceil(float64(i) / float64(len(items)) * 100))); err != nil {
			return "", err
		}
	}
	if len(failed) > 0 {
		return "", &MassUpdateError{Items: failed}
	}
	return fmt.Sprintf("Updated %d items", len(items)), nil
}

func describeFailure(name string, err error) string {
	var verr *serializers.ValidationError
	if !errors.As(err, &verr) {
		return name
	}
	keys := make([]string, 0, len(verr.Fields))
	for k := range verr.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var msgs []string
	for _, k := range keys {
		msgs = append(msgs, verr.Fields[k]...)
	}
	return name + ": " + strings.Join(msgs, ",")
}

func parseIDs(raw string) ([]uint64, error) {
	var ids []uint64
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseUint(part, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid id %q", part)
		}
		ids = append(ids, id)
	}
	return ids, nil
}
