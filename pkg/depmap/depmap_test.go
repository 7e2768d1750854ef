package depmap

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOrder(t *testing.T) {
	tests := []struct {
		name   string
		tables []string
		edges  []Edge
		want   []string
	}{
		{
			name:   "no edges keeps declaration order",
			tables: []string{"Contact", "Account", "Lead"},
			want:   []string{"Contact", "Account", "Lead"},
		},
		{
			name:   "dependent after dependency",
			tables: []string{"Contact", "Account"},
			edges:  []Edge{{From: "Contact", To: "Account", Field: "AccountId"}},
			want:   []string{"Account", "Contact"},
		},
		{
			name:   "chain",
			tables: []string{"Case", "Contact", "Account"},
			edges: []Edge{
				{From: "Case", To: "Contact", Field: "ContactId"},
				{From: "Contact", To: "Account", Field: "AccountId"},
			},
			want: []string{"Account", "Contact", "Case"},
		},
		{
			name:   "self reference ignored",
			tables: []string{"Account"},
			edges:  []Edge{{From: "Account", To: "Account", Field: "ParentId"}},
			want:   []string{"Account"},
		},
		{
			name:   "cycle without priority falls back to declaration order",
			tables: []string{"B", "A"},
			edges: []Edge{
				{From: "A", To: "B", Field: "BId"},
				{From: "B", To: "A", Field: "AId"},
			},
			want: []string{"B", "A"},
		},
		{
			name:   "priority edge wins in cycle",
			tables: []string{"Account", "Contact"},
			edges: []Edge{
				{From: "Account", To: "Contact", Field: "PrimaryContact__c"},
				{From: "Contact", To: "Account", Field: "AccountId", Priority: 1},
			},
			want: []string{"Account", "Contact"},
		},
		{
			name:   "cycle break returns to normal ordering",
			tables: []string{"A", "B", "C", "D"},
			edges: []Edge{
				{From: "A", To: "B", Priority: 1},
				{From: "B", To: "A"},
				{From: "C", To: "A"},
				{From: "D", To: "C"},
			},
			want: []string{"B", "A", "C", "D"},
		},
		{
			name:  "tables from edges are added",
			edges: []Edge{{From: "Contact", To: "Account"}},
			want:  []string{"Account", "Contact"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := New(tt.tables, tt.edges)
			assert.Equal(t, tt.want, m.Order())
		})
	}
}

func TestOrderRespectsAcyclicEdges(t *testing.T) {
	tables := []string{"F", "E", "D", "C", "B", "A"}
	edges := []Edge{
		{From: "F", To: "A"}, {From: "E", To: "B"}, {From: "D", To: "C"},
		{From: "C", To: "B"}, {From: "B", To: "A"}, {From: "F", To: "E"},
	}
	m := New(tables, edges)
	order := m.Order()
	assert.Len(t, order, len(tables))
	for _, e := range edges {
		assert.Less(t, m.Position(e.To), m.Position(e.From), "%s must follow %s", e.From, e.To)
	}
}

func TestTargetTableFor(t *testing.T) {
	m := New(nil, []Edge{{From: "Contact", To: "Account", Field: "AccountId"}})
	assert.Equal(t, "Account", m.TargetTableFor("Contact", "AccountId"))
	assert.Empty(t, m.TargetTableFor("Contact", "OwnerId"))
	assert.Len(t, m.Dependencies("Contact"), 1)
}
