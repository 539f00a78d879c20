package document

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/storefront/backend/internal/domain/shared"
)

func ids(docs []Document) []string {
	out := make([]string, len(docs))
	for i, d := range docs {
		out[i] = d.ID
	}
	return out
}

func catalogFixture() []Document {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	return []Document{
		{ID: "c", Fields: Fields{"category": "dresses", "price": 850.0, "stock": 2}, CreatedAt: base.Add(2 * time.Hour)},
		{ID: "a", Fields: Fields{"category": "dresses", "price": 400, "stock": 0}, CreatedAt: base},
		{ID: "b", Fields: Fields{"category": "accessories", "price": 120.5}, CreatedAt: base.Add(time.Hour)},
		{ID: "d", Fields: Fields{"category": "dresses", "price": 400.0, "stock": 5}},
	}
}

func TestQuery_Apply(t *testing.T) {
	docs := catalogFixture()

	t.Run("zero query returns every document by id", func(t *testing.T) {
		q := Query{}
		assert.True(t, q.IsZero())
		assert.Equal(t, []string{"a", "b", "c", "d"}, ids(q.Apply(docs)))
	})

	t.Run("equality compares numbers across kinds", func(t *testing.T) {
		got := Query{}.Where("price", OpEqual, 400).Apply(docs)
		assert.Equal(t, []string{"a", "d"}, ids(got))
	})

	t.Run("not equal matches documents missing the field", func(t *testing.T) {
		got := Query{}.Where("stock", OpNotEqual, 0).Apply(docs)
		assert.Equal(t, []string{"b", "c", "d"}, ids(got))
	})

	t.Run("in accepts string slices", func(t *testing.T) {
		got := Query{}.Where("category", OpIn, []string{"accessories"}).Apply(docs)
		assert.Equal(t, []string{"b"}, ids(got))
	})

	t.Run("range filters skip missing fields", func(t *testing.T) {
		got := Query{}.Where("stock", OpGreaterEqual, 1).Apply(docs)
		assert.Equal(t, []string{"c", "d"}, ids(got))
	})

	t.Run("descending sort keeps id order among ties", func(t *testing.T) {
		got := Query{}.Sort("price", Desc).Apply(docs)
		assert.Equal(t, []string{"c", "a", "d", "b"}, ids(got))
	})

	t.Run("missing sort keys come first", func(t *testing.T) {
		got := Query{}.Sort(FieldCreatedAt, Asc).Apply(docs)
		assert.Equal(t, []string{"d", "a", "b", "c"}, ids(got))
	})

	t.Run("timestamps compare against RFC3339 strings", func(t *testing.T) {
		got := Query{}.Where(FieldCreatedAt, OpGreater, "2026-01-01T00:30:00Z").Apply(docs)
		assert.Equal(t, []string{"b", "c"}, ids(got))
	})

	t.Run("limit applies after ordering", func(t *testing.T) {
		q := Query{Limit: 2}.Sort("price", Asc)
		assert.Equal(t, []string{"b", "a"}, ids(q.Apply(docs)))
	})

	t.Run("builders do not share filter slices", func(t *testing.T) {
		base := Query{}.Where("category", OpEqual, "dresses")
		cheap := base.Where("price", OpLess, 500)
		dear := base.Where("price", OpGreater, 500)
		assert.Len(t, base.Filters, 1)
		assert.Equal(t, []string{"a", "d"}, ids(cheap.Apply(docs)))
		assert.Equal(t, []string{"c"}, ids(dear.Apply(docs)))
	})
}

func TestQuery_Validate(t *testing.T) {
	assert.NoError(t, Query{}.Where("price", OpLess, 1).Sort("price", Desc).Validate())

	cases := map[string]Query{
		"operator":  Query{}.Where("price", "~", 1),
		"field":     Query{}.Where(" ", OpEqual, 1),
		"direction": Query{}.Sort("price", "up"),
		"limit":     {Limit: -1},
	}
	for name, q := range cases {
		t.Run(name, func(t *testing.T) {
			assert.ErrorIs(t, q.Validate(), shared.ErrInvalidInput)
		})
	}
}

func TestFields_CloneIsDeep(t *testing.T) {
	orig := Fields{
		"tags":  []any{"new", map[string]any{"k": "v"}},
		"stock": map[string]any{"m": 1},
	}
	cp := orig.Clone()
	cp["tags"].([]any)[1].(map[string]any)["k"] = "changed"
	cp["stock"].(map[string]any)["m"] = 2

	assert.Equal(t, "v", orig["tags"].([]any)[1].(map[string]any)["k"])
	assert.Equal(t, 1, orig["stock"].(map[string]any)["m"])
	assert.Nil(t, Fields(nil).Clone())
}

func TestFields_Merge(t *testing.T) {
	orig := Fields{"name": "Wrap Dress", "stock": 2}
	merged := orig.Merge(Fields{"stock": 1, "sale": true})

	assert.Equal(t, Fields{"name": "Wrap Dress", "stock": 1, "sale": true}, merged)
	assert.Equal(t, 2, orig["stock"])
	assert.Equal(t, Fields{"a": 1}, Fields(nil).Merge(Fields{"a": 1}))
}

func TestDocument_DecodeAndFromValue(t *testing.T) {
	created := time.Date(2026, 2, 3, 4, 5, 6, 0, time.UTC)
	doc := Document{ID: "PROD-1", Fields: Fields{"name": "Headwrap", "price": 120.5}, CreatedAt: created}

	var out struct {
		ID        string    `json:"id"`
		Name      string    `json:"name"`
		Price     float64   `json:"price"`
		CreatedAt time.Time `json:"createdAt"`
	}
	require.NoError(t, doc.Decode(&out))
	assert.Equal(t, "PROD-1", out.ID)
	assert.Equal(t, "Headwrap", out.Name)
	assert.Equal(t, 120.5, out.Price)
	assert.True(t, created.Equal(out.CreatedAt))
	assert.NotContains(t, doc.Fields, FieldID, "decode must not touch the source fields")

	back, err := FromValue(out)
	require.NoError(t, err)
	assert.Equal(t, "PROD-1", back.ID)
	assert.True(t, created.Equal(back.CreatedAt))
	assert.True(t, back.UpdatedAt.IsZero())
	assert.Equal(t, Fields{"name": "Headwrap", "price": 120.5}, back.Fields)
}

func TestDocument_Value(t *testing.T) {
	doc := Document{ID: "x", Fields: Fields{"n": 3, "s": "v"}}

	v, ok := doc.Value(FieldID)
	assert.True(t, ok)
	assert.Equal(t, "x", v)
	_, ok = doc.Value(FieldUpdatedAt)
	assert.False(t, ok)

	assert.Equal(t, "v", doc.String("s"))
	assert.Empty(t, doc.String("n"))
	f, ok := doc.Float("n")
	assert.True(t, ok)
	assert.Equal(t, 3.0, f)
}

func TestBatch(t *testing.T) {
	fields := Fields{"quantity": 1}
	b := NewBatch().
		Set("cart", Document{ID: "l1", Fields: fields}).
		Update("cart", "l2", Fields{"quantity": 3}).
		Delete("cart", "l3")
	fields["quantity"] = 9

	require.Equal(t, 3, b.Len())
	writes := b.Writes()
	assert.Equal(t, []WriteKind{WriteSet, WriteUpdate, WriteDelete}, []WriteKind{writes[0].Kind, writes[1].Kind, writes[2].Kind})
	assert.Equal(t, 1, writes[0].Fields["quantity"], "batch keeps its own copy")
	assert.NoError(t, b.Validate())

	assert.ErrorIs(t, NewBatch().Delete("cart", "").Validate(), shared.ErrInvalidInput)
	assert.ErrorIs(t, NewBatch().Delete("bad/name", "x").Validate(), shared.ErrInvalidInput)
}
