package mapping

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ruslano69/orgdata/pkg/depmap"
)

func stepNames(steps []*Step) []string {
	var out []string
	for _, s := range steps {
		out = append(out, s.Name)
	}
	return out
}

func TestDependenciesAndSort(t *testing.T) {
	m, err := parse(t, `
Contacts:
  sf_object: Contact
  lookups:
    AccountId:
      table: Account
Accounts:
  sf_object: Account
  lookups:
    PrimaryContact__c:
      table: Contact
      after: Contacts
`)
	require.NoError(t, err)

	dm := Dependencies(m)
	assert.Equal(t, "Account", dm.TargetTableFor("Contact", "AccountId"))
	assert.Equal(t, []string{"Account", "Contact"}, dm.Order())

	sorted := SortSteps(m.Steps, dm)
	assert.Equal(t, []string{"Accounts", "Contacts"}, stepNames(sorted))
	assert.Equal(t, []string{"Contacts", "Accounts"}, stepNames(m.Steps))
}

func TestMergeMatchingSteps(t *testing.T) {
	m, err := parse(t, `
A1:
  sf_object: Account
  fields: [Name]
A2:
  sf_object: Account
  fields: [Site]
  lookups:
    ParentId:
      table: Account
C:
  sf_object: Contact
  fields: [LastName]
A3:
  sf_object: Account
  fields: [Phone]
`)
	require.NoError(t, err)

	merged := MergeMatchingSteps(m.Steps)
	assert.Equal(t, []string{"A1", "C", "A3"}, stepNames(merged))
	assert.Equal(t, []string{"Name", "Site"}, merged[0].Fields.Keys())
	assert.Equal(t, []string{"ParentId"}, merged[0].Lookups.Keys())
	assert.Equal(t, []string{"Name"}, m.Steps[0].Fields.Keys())
}

func TestRenameRecordTypeFields(t *testing.T) {
	m, err := parse(t, "A:\n  sf_object: Account\n  fields:\n    Name: name\n    recordtype_id: rt\n")
	require.NoError(t, err)

	out := RenameRecordTypeFields(m.Steps)
	assert.Equal(t, []string{"Name", "RecordTypeId"}, out[0].Fields.Keys())
	col, _ := out[0].Fields.Get("RecordTypeId")
	assert.Equal(t, "rt", col)
	assert.True(t, m.Steps[0].Fields.Has("recordtype_id"))
}

func TestRecategorizeLookups(t *testing.T) {
	m, err := parse(t, "C:\n  sf_object: Contact\n  fields: [LastName, AccountId]\n")
	require.NoError(t, err)

	dm := depmap.New([]string{"Account", "Contact"}, []depmap.Edge{{From: "Contact", To: "Account", Field: "AccountId"}})
	out := RecategorizeLookups(m.Steps, dm)
	assert.Equal(t, []string{"LastName"}, out[0].Fields.Keys())
	l, ok := out[0].Lookups.Get("AccountId")
	require.True(t, ok)
	assert.Equal(t, "Account", l.Table.First())
	assert.Equal(t, "AccountId", l.KeyField)
}
