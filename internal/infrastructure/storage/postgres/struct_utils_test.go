package postgres

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stockledger/internal/core/id"
)

type auditFields struct {
	Version   int       `db:"version"`
	CreatedAt time.Time `db:"created_at"`
}

type sampleRow struct {
	ID   id.ID  `db:"id"`
	Code string `db:"code"`
	auditFields
	Note   string `db:"-"`
	Hidden string
}

func TestExtractDBColumns(t *testing.T) {
	cols := ExtractDBColumns[sampleRow]()

	assert.Equal(t, []string{"id", "code", "version", "created_at"}, cols)
}

func TestStructToMap(t *testing.T) {
	now := time.Now().UTC()
	row := sampleRow{
		ID:          id.New(),
		Code:        "A-1",
		auditFields: auditFields{Version: 3, CreatedAt: now},
		Note:        "ignored",
	}

	m := StructToMap(&row, "created_at")

	require.Len(t, m, 3)
	assert.Equal(t, row.ID, m["id"])
	assert.Equal(t, "A-1", m["code"])
	assert.Equal(t, 3, m["version"])
	assert.NotContains(t, m, "created_at")
	assert.Nil(t, StructToMap(42))
}

func TestStructValues_FollowsColumnOrder(t *testing.T) {
	row := sampleRow{Code: "B", auditFields: auditFields{Version: 1}}

	values := StructValues(row)

	require.Len(t, values, 4)
	assert.Equal(t, "B", values[1])
	assert.Equal(t, 1, values[2])
}
