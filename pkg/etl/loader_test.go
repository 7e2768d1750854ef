package etl

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ruslano69/orgdata/pkg/dataop"
	"github.com/ruslano69/orgdata/pkg/mapping"
	"github.com/ruslano69/orgdata/pkg/remote"
	"github.com/ruslano69/orgdata/pkg/retry"
	"github.com/ruslano69/orgdata/pkg/store"
)

// ========== Вспомогательные функции ==========

func newFakeOrg() *remote.FakeClient {
	f := remote.NewFakeClient()
	f.AddObject("Account",
		remote.Field("Name", "string"),
		remote.Field("Industry", "string"),
		remote.Field("ParentId", "reference", "Account"),
		remote.Field("RecordTypeId", "reference", "RecordType"),
	)
	f.AddObject("Contact",
		remote.Field("LastName", "string"),
		remote.Field("Birthdate", "date"),
		remote.Field("AccountId", "reference", "Account"),
	)
	f.AddObject("RecordType",
		remote.Field("DeveloperName", "string"),
		remote.Field("SObjectType", "string"),
	)
	return f
}

func openStore(t *testing.T, script string) *store.SQLStore {
	t.Helper()
	ctx := context.Background()
	st, err := store.Open(ctx, store.Config{Driver: "sqlite", DSN: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	if script != "" {
		require.NoError(t, st.ExecScript(ctx, strings.NewReader(script)))
	}
	return st
}

func parseMapping(t *testing.T, src string) *mapping.Mapping {
	t.Helper()
	m, err := mapping.Parse(strings.NewReader(src), mapping.ParseOptions{Logger: zerolog.Nop()})
	require.NoError(t, err)
	return m
}

func tableRows(t *testing.T, st store.RecordStore, table string, columns ...string) [][]string {
	t.Helper()
	var out [][]string
	for row, err := range st.StreamRows(context.Background(), store.RowQuery{Table: table, Columns: columns, OrderBy: columns[0]}) {
		require.NoError(t, err)
		out = append(out, row)
	}
	return out
}

// dmlCalls - вызовы изменения данных из журнала FakeClient
func dmlCalls(f *remote.FakeClient) []string {
	var out []string
	for _, c := range f.Calls() {
		for _, prefix := range []string{"Create ", "Update ", "Upsert ", "Delete", "CreateJob "} {
			if strings.HasPrefix(c, prefix) {
				out = append(out, c)
				break
			}
		}
	}
	return out
}

func findRecord(t *testing.T, f *remote.FakeClient, sobject, field, value string) remote.Record {
	t.Helper()
	obj := f.Object(sobject)
	require.NotNil(t, obj)
	for _, r := range obj.Records {
		if fmt.Sprint(r[field]) == value {
			return r
		}
	}
	t.Fatalf("%s with %s = %s not found", sobject, field, value)
	return nil
}

func runLoad(t *testing.T, f *remote.FakeClient, st store.RecordStore, src string, opts LoadOptions) (*Report, error) {
	t.Helper()
	ctx := context.Background()
	m := parseMapping(t, src)
	exp, err := PrepareLoad(ctx, f, st, m, PrepareOptions{}, zerolog.Nop())
	require.NoError(t, err)
	return NewLoader(f, st, m, exp, opts, zerolog.Nop()).Run(ctx)
}

// ========== Загрузка ==========

const accountsContactsSQL = `
CREATE TABLE accounts (id INTEGER NOT NULL PRIMARY KEY, name TEXT, industry TEXT);
INSERT INTO accounts VALUES (1, 'Acme', 'Tech');
INSERT INTO accounts VALUES (2, 'Beta', NULL);
CREATE TABLE contacts (id INTEGER NOT NULL PRIMARY KEY, last_name TEXT, account_id TEXT);
INSERT INTO contacts VALUES (1, 'Smith', '2');
INSERT INTO contacts VALUES (2, 'Jones', '1');
INSERT INTO contacts VALUES (3, 'Orphan', NULL);
`

const accountsContactsMapping = `
Insert Accounts:
  sf_object: Account
  table: accounts
  fields:
    Name: name
    Industry: industry
Insert Contacts:
  sf_object: Contact
  table: contacts
  fields:
    LastName: last_name
  lookups:
    AccountId:
      table: accounts
`

func TestLoader_AccountContact(t *testing.T) {
	f := newFakeOrg()
	st := openStore(t, accountsContactsSQL)

	var events []StepEvent
	report, err := runLoad(t, f, st, accountsContactsMapping, LoadOptions{ResetOIDs: true, Observer: observerFunc(func(ev StepEvent) {
		events = append(events, ev)
	})})
	require.NoError(t, err)

	// одна операция на шаг, Account раньше Contact
	assert.Equal(t, []string{"Create Account", "Create Contact"}, dmlCalls(f))

	assert.Equal(t, []string{"Insert Accounts", "Insert Contacts"}, report.Steps())
	acc, _ := report.Get("Insert Accounts")
	assert.Equal(t, dataop.StatusSuccess, acc.Status)
	assert.Equal(t, 2, acc.RecordsProcessed)
	con, _ := report.Get("Insert Contacts")
	assert.Equal(t, 3, con.RecordsProcessed)
	assert.Equal(t, 0, con.TotalRowErrors)

	beta := findRecord(t, f, "Account", "Name", "Beta")
	acme := findRecord(t, f, "Account", "Name", "Acme")
	assert.Equal(t, "Tech", fmt.Sprint(acme["Industry"]))
	assert.Equal(t, beta["Id"], findRecord(t, f, "Contact", "LastName", "Smith")["AccountId"])
	assert.Equal(t, acme["Id"], findRecord(t, f, "Contact", "LastName", "Jones")["AccountId"])
	assert.Nil(t, findRecord(t, f, "Contact", "LastName", "Orphan")["AccountId"])

	ids := tableRows(t, st, "accounts_sf_ids", "id", "sf_id")
	require.Len(t, ids, 2)
	assert.Equal(t, []string{"1", fmt.Sprint(acme["Id"])}, ids[0])
	assert.Len(t, tableRows(t, st, "contacts_sf_ids", "id", "sf_id"), 3)

	require.Len(t, events, 2)
	assert.Equal(t, KindLoad, events[0].Kind)
	assert.Equal(t, dataop.APIREST, events[0].API)
	assert.Equal(t, "Account", events[0].Report.SObject)
}

func TestLoader_BulkAPI(t *testing.T) {
	f := newFakeOrg()
	st := openStore(t, accountsContactsSQL)

	src := strings.Replace(accountsContactsMapping, "  table: contacts\n", "  table: contacts\n  api: bulk\n", 1)
	report, err := runLoad(t, f, st, src, LoadOptions{ResetOIDs: true})
	require.NoError(t, err)

	assert.Equal(t, []string{"Create Account", "CreateJob Contact insert"}, dmlCalls(f))
	con, _ := report.Get("Insert Contacts")
	assert.Equal(t, dataop.StatusSuccess, con.Status)
	assert.Equal(t, 3, con.RecordsProcessed)

	beta := findRecord(t, f, "Account", "Name", "Beta")
	assert.Equal(t, fmt.Sprint(beta["Id"]), fmt.Sprint(findRecord(t, f, "Contact", "LastName", "Smith")["AccountId"]))
}

func TestLoader_SelfLookupAfterStep(t *testing.T) {
	f := newFakeOrg()
	st := openStore(t, `
CREATE TABLE accounts (id INTEGER NOT NULL PRIMARY KEY, name TEXT, parent_id TEXT);
INSERT INTO accounts VALUES (1, 'Parent', NULL);
INSERT INTO accounts VALUES (2, 'Child', '1');
`)

	report, err := runLoad(t, f, st, `
Insert Accounts:
  sf_object: Account
  table: accounts
  fields:
    Name: name
  lookups:
    ParentId:
      table: accounts
`, LoadOptions{ResetOIDs: true})
	require.NoError(t, err)

	assert.Equal(t, []string{"Create Account", "Update Account"}, dmlCalls(f))
	require.Equal(t, 2, report.Len())
	update, ok := report.Get("Update Account Dependencies After Insert Accounts")
	require.True(t, ok)
	// строка Parent без ссылки не отправляется
	assert.Equal(t, 1, update.RecordsProcessed)

	parent := findRecord(t, f, "Account", "Name", "Parent")
	child := findRecord(t, f, "Account", "Name", "Child")
	assert.Equal(t, parent["Id"], child["ParentId"])
	assert.Nil(t, parent["ParentId"])
}

func TestLoader_RowErrors(t *testing.T) {
	reject := func(sobject string, rec remote.Record) string {
		if sobject == "Contact" && rec["LastName"] == "Orphan" {
			return "FIELD_CUSTOM_VALIDATION_EXCEPTION: account required"
		}
		return ""
	}

	t.Run("fatal", func(t *testing.T) {
		f := newFakeOrg()
		f.Reject = reject
		st := openStore(t, accountsContactsSQL)

		report, err := runLoad(t, f, st, accountsContactsMapping, LoadOptions{ResetOIDs: true})
		require.Error(t, err)

		var rowErr *RowError
		require.True(t, errors.As(err, &rowErr))
		assert.Equal(t, "3", rowErr.LocalID)
		assert.Contains(t, err.Error(), "Insert Contacts")

		// отчет содержит шаг с ошибкой, успешные Id сохранены
		con, ok := report.Get("Insert Contacts")
		require.True(t, ok)
		assert.Equal(t, 1, con.TotalRowErrors)
		assert.Len(t, tableRows(t, st, "contacts_sf_ids", "id", "sf_id"), 2)
	})

	t.Run("ignored", func(t *testing.T) {
		f := newFakeOrg()
		f.Reject = reject
		st := openStore(t, accountsContactsSQL)
		dlq, err := retry.NewDLQ(retry.DLQConfig{Enabled: true, FilePath: filepath.Join(t.TempDir(), "dlq.json")})
		require.NoError(t, err)

		m := parseMapping(t, accountsContactsMapping)
		exp, err := PrepareLoad(context.Background(), f, st, m, PrepareOptions{}, zerolog.Nop())
		require.NoError(t, err)
		loader := NewLoader(f, st, m, exp, LoadOptions{ResetOIDs: true, IgnoreRowErrors: true, DLQ: dlq}, zerolog.Nop())

		report, err := loader.Run(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 1, loader.RowErrors())

		_, rowErrors := report.Totals()
		assert.Equal(t, 1, rowErrors)

		entries := dlq.Entries()
		require.Len(t, entries, 1)
		assert.Equal(t, "Insert Contacts", entries[0].Step)
		assert.Equal(t, "3", entries[0].LocalID)
		assert.Equal(t, "Orphan", entries[0].Data["LastName"])
	})
}

func TestLoader_JobFailure(t *testing.T) {
	f := newFakeOrg()
	f.FailJob["Contact"] = "InvalidBatch: too many fields"
	st := openStore(t, accountsContactsSQL)

	src := strings.Replace(accountsContactsMapping, "  table: contacts\n", "  table: contacts\n  api: bulk\n", 1)
	report, err := runLoad(t, f, st, src, LoadOptions{ResetOIDs: true})
	require.Error(t, err)
	assert.True(t, errors.Is(err, dataop.ErrJobFailure))

	con, ok := report.Get("Insert Contacts")
	require.True(t, ok)
	assert.Equal(t, dataop.StatusJobFailure, con.Status)
	assert.NotEmpty(t, con.JobErrors)
}

func TestLoader_ETLUpsert(t *testing.T) {
	f := newFakeOrg()
	f.Object("Account").Records = []remote.Record{{"Id": "001000000000099", "Name": "Acme", "Industry": "Old"}}
	st := openStore(t, `
CREATE TABLE accounts (id INTEGER NOT NULL PRIMARY KEY, name TEXT, industry TEXT);
INSERT INTO accounts VALUES (1, 'Acme', 'Tech');
INSERT INTO accounts VALUES (2, 'NewCo', 'Retail');
`)

	report, err := runLoad(t, f, st, `
Upsert Accounts:
  sf_object: Account
  table: accounts
  action: etl_upsert
  update_key: Name
  fields:
    Name: name
    Industry: industry
`, LoadOptions{ResetOIDs: true})
	require.NoError(t, err)

	assert.Equal(t, []string{"Upsert Account"}, dmlCalls(f))
	sr, _ := report.Get("Upsert Accounts")
	assert.Equal(t, 2, sr.RecordsProcessed)

	require.Len(t, f.Object("Account").Records, 2)
	acme := findRecord(t, f, "Account", "Name", "Acme")
	assert.Equal(t, "001000000000099", acme["Id"])
	assert.Equal(t, "Tech", fmt.Sprint(acme["Industry"]))
	newco := findRecord(t, f, "Account", "Name", "NewCo")

	ids := tableRows(t, st, "accounts_sf_ids", "id", "sf_id")
	assert.Equal(t, [][]string{{"1", "001000000000099"}, {"2", fmt.Sprint(newco["Id"])}}, ids)
}

func TestLoader_SelectExisting(t *testing.T) {
	f := newFakeOrg()
	f.Object("Account").Records = []remote.Record{
		{"Id": "001000000000091", "Name": "Existing 1"},
		{"Id": "001000000000092", "Name": "Existing 2"},
	}
	st := openStore(t, `
CREATE TABLE accounts (id INTEGER NOT NULL PRIMARY KEY, name TEXT);
INSERT INTO accounts VALUES (1, 'A');
INSERT INTO accounts VALUES (2, 'B');
INSERT INTO accounts VALUES (3, 'C');
`)

	report, err := runLoad(t, f, st, `
Select Accounts:
  sf_object: Account
  table: accounts
  fields:
    Name: name
  select_options:
    strategy: standard
`, LoadOptions{ResetOIDs: true})
	require.NoError(t, err)

	// все записи сопоставлены существующим, вставки нет
	assert.Empty(t, dmlCalls(f))
	assert.Len(t, f.Object("Account").Records, 2)
	sr, _ := report.Get("Select Accounts")
	assert.Equal(t, 3, sr.RecordsProcessed)

	ids := tableRows(t, st, "accounts_sf_ids", "id", "sf_id")
	assert.Equal(t, [][]string{
		{"1", "001000000000091"},
		{"2", "001000000000092"},
		{"3", "001000000000091"},
	}, ids)
}

func TestLoader_SelectWithoutCandidatesInserts(t *testing.T) {
	f := newFakeOrg()
	st := openStore(t, `
CREATE TABLE accounts (id INTEGER NOT NULL PRIMARY KEY, name TEXT);
INSERT INTO accounts VALUES (1, 'A');
`)

	_, err := runLoad(t, f, st, `
Select Accounts:
  sf_object: Account
  table: accounts
  fields:
    Name: name
  select_options:
    strategy: random
`, LoadOptions{ResetOIDs: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"Create Account"}, dmlCalls(f))
}

func TestLoader_StartStep(t *testing.T) {
	f := newFakeOrg()
	st := openStore(t, accountsContactsSQL+`
CREATE TABLE accounts_sf_ids (id TEXT NOT NULL PRIMARY KEY, sf_id TEXT);
INSERT INTO accounts_sf_ids VALUES ('1', '001000000000071');
INSERT INTO accounts_sf_ids VALUES ('2', '001000000000072');
`)

	report, err := runLoad(t, f, st, accountsContactsMapping, LoadOptions{ResetOIDs: true, StartStep: "Insert Contacts"})
	require.NoError(t, err)

	assert.Equal(t, []string{"Create Contact"}, dmlCalls(f))
	assert.Equal(t, []string{"Insert Contacts"}, report.Steps())
	// таблица Id пропущенного шага сохранена
	assert.Len(t, tableRows(t, st, "accounts_sf_ids", "id", "sf_id"), 2)
	assert.Equal(t, "001000000000072", findRecord(t, f, "Contact", "LastName", "Smith")["AccountId"])

	_, err = runLoad(t, f, st, accountsContactsMapping, LoadOptions{StartStep: "Missing"})
	assert.ErrorContains(t, err, `start step "Missing" not found`)
}

func TestLoader_StaticAndFilters(t *testing.T) {
	f := newFakeOrg()
	st := openStore(t, accountsContactsSQL)

	_, err := runLoad(t, f, st, `
Insert Accounts:
  sf_object: Account
  table: accounts
  fields:
    Name: name
  static:
    Industry: Imported
  filters:
    - "name = 'Acme'"
`, LoadOptions{ResetOIDs: true})
	require.NoError(t, err)

	records := f.Object("Account").Records
	require.Len(t, records, 1)
	assert.Equal(t, "Acme", fmt.Sprint(records[0]["Name"]))
	assert.Equal(t, "Imported", fmt.Sprint(records[0]["Industry"]))
}

func TestLoader_RecordTypeByDeveloperName(t *testing.T) {
	f := newFakeOrg()
	f.Object("RecordType").Records = []remote.Record{
		{"Id": "012TARGET0000001", "DeveloperName": "Business", "SObjectType": "Account"},
	}
	st := openStore(t, `
CREATE TABLE accounts (id INTEGER NOT NULL PRIMARY KEY, name TEXT, record_type TEXT);
INSERT INTO accounts VALUES (1, 'Acme', '012SOURCE0000001');
CREATE TABLE Account_rt_mapping (record_type_id TEXT NOT NULL PRIMARY KEY, developer_name TEXT);
INSERT INTO Account_rt_mapping VALUES ('012SOURCE0000001', 'Business');
`)

	_, err := runLoad(t, f, st, `
Insert Accounts:
  sf_object: Account
  table: accounts
  fields:
    Name: name
    RecordTypeId: record_type
`, LoadOptions{ResetOIDs: true})
	require.NoError(t, err)

	acme := findRecord(t, f, "Account", "Name", "Acme")
	assert.Equal(t, "012TARGET0000001", fmt.Sprint(acme["RecordTypeId"]))
	assert.True(t, slices.Contains(f.Calls(), "Query SELECT Id, DeveloperName FROM RecordType WHERE SObjectType = 'Account'"))
}

type observerFunc func(ev StepEvent)

func (f observerFunc) StepFinished(ctx context.Context, ev StepEvent) { f(ev) }
