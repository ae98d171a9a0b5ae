package store

import (
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mesh-intelligence/docstore/internal/dialect"
	"github.com/mesh-intelligence/docstore/internal/schema"
	"github.com/mesh-intelligence/docstore/pkg/types"
)

func TestBuildQueryUnwindowed(t *testing.T) {
	table := schema.NewTable("Orders")
	plan := buildQuery(dialect.SQLite{}, table, types.Query{Select: "Id, Document", Where: "Total > @Min", OrderBy: "Id"})
	assert.Empty(t, plan.count)
	assert.Equal(t,
		"SELECT Id, Document, Discriminator AS _Discriminator, LastOperation AS _LastOperation, RowVersion AS _RowVersion FROM Orders WHERE (Total > @Min) AND LastOperation <> 3 ORDER BY Id",
		plan.rows)
}

func TestBuildQueryWindowed(t *testing.T) {
	table := schema.NewTable("Orders")
	plan := buildQuery(dialect.SQLServer{}, table, types.Query{Select: "Id", Skip: 2, Take: 5, IncludeDeleted: true})
	assert.Equal(t, "SELECT COUNT(*) FROM Orders", plan.count)
	assert.Contains(t, plan.rows, "ROW_NUMBER() OVER (ORDER BY Id) AS RowNumber")
	assert.Contains(t, plan.rows, "CAST(RowVersion AS BIGINT) AS _RowVersion")
	assert.True(t, strings.HasSuffix(plan.rows, "WHERE RowNumber > 2 AND RowNumber <= 7 ORDER BY RowNumber"))

	plan = buildQuery(dialect.SQLite{}, table, types.Query{Skip: 3})
	assert.True(t, strings.HasSuffix(plan.rows, "WHERE RowNumber > 3 ORDER BY RowNumber"))
}

func TestSelectListReconciliation(t *testing.T) {
	table := schema.NewTable("Orders")
	tests := []struct {
		name  string
		query types.Query
		want  string
	}{
		{"appends missing", types.Query{Select: "Id", Require: []string{"Id", "Etag", "Document"}}, "Id, Etag, Document"},
		{"matches aliases", types.Query{Select: "o.Id, COALESCE(Total, 0) AS etag", Require: []string{"ID", "Etag"}}, "o.Id, COALESCE(Total, 0) AS etag"},
		{"star covers everything", types.Query{Select: "*", Require: []string{"Etag"}}, "*"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, selectList(dialect.SQLite{}, table, tt.query))
		})
	}

	all := selectList(dialect.SQLServer{}, table, types.Query{})
	assert.Contains(t, all, "CAST(RowVersion AS BIGINT) AS RowVersion")
	assert.True(t, strings.HasPrefix(all, "Id, Etag, "))
}

func TestDecodeRow(t *testing.T) {
	etag := uuid.New()
	row, err := decodeRow(
		[]string{"id", "etag", "document", "rowversion", "_rowversion", "_lastoperation", "total", "rownumber"},
		[]any{"a", etag.String(), []byte("{}"), []byte{0, 0, 0, 0, 0, 0, 0, 7}, int64(7), int64(3), 12.5, int64(1)},
	)
	require.NoError(t, err)
	assert.Equal(t, "a", row.ID)
	assert.Equal(t, etag, row.Etag)
	assert.Equal(t, int64(7), row.RowVersion)
	assert.Equal(t, types.OperationDeleted, row.LastOperation)
	v, ok := row.Value("Total")
	assert.True(t, ok)
	assert.Equal(t, 12.5, v)
	_, ok = row.Value("rownumber")
	assert.False(t, ok)
	_, ok = row.Value("_rowversion")
	assert.False(t, ok)
}
