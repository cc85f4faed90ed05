package metadata

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTableLayout_ColumnSize(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name      string
		heapSizes uint8
		table     TableIndex
		rows      uint32
		col       column
		want      int
	}{
		{name: "narrow string", col: str(), want: 2},
		{name: "wide string", heapSizes: heapSizeStringLarge, col: str(), want: 4},
		{name: "wide guid", heapSizes: heapSizeGUIDLarge, col: guid(), want: 4},
		{name: "wide blob", heapSizes: heapSizeBlobLarge, col: blob(), want: 4},
		{name: "blob flag leaves strings", heapSizes: heapSizeBlobLarge, col: str(), want: 2},
		{name: "table below limit", table: TableMethodDef, rows: 0xFFFF, col: idx(TableMethodDef), want: 2},
		{name: "table at limit", table: TableMethodDef, rows: 0x10000, col: idx(TableMethodDef), want: 4},
		{name: "cdi parent below limit", table: TableLocalScope, rows: 1<<11 - 1, col: coded(codedHasCustomDebugInfo), want: 2},
		{name: "cdi parent at limit", table: TableLocalScope, rows: 1 << 11, col: coded(codedHasCustomDebugInfo), want: 4},
		{name: "type ref below limit", table: TableTypeSpec, rows: 1<<14 - 1, col: coded(codedTypeDefOrRef), want: 2},
		{name: "type ref at limit", table: TableTypeSpec, rows: 1 << 14, col: coded(codedTypeDefOrRef), want: 4},
		{name: "unrelated table", table: TableField, rows: 1 << 20, col: coded(codedTypeDefOrRef), want: 2},
		{name: "fixed", col: fixed(8), want: 8},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			tl := tableLayout{heapSizes: tc.heapSizes}
			tl.sizing[tc.table] = tc.rows
			assert.Equal(t, tc.want, tl.columnSize(tc.col))
		})
	}
}
