package catalog

import (
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

const testCatalogue = `indicator_uid,data_element_name,data_element_code,program_area,dataset
uid-1,HTS clients tested,HTS-01,HTS,Ver.2024
uid-2,TX clients on treatment,TX-01,CT,Ver.2024
uid-3,PMTCT mothers on HAART,PM-01,PMTCT,Ver.2023
`

func TestDataPull_Catalog_Read(t *testing.T) {
	t.Parallel()

	t.Run("parses a well formed catalogue", func(t *testing.T) {
		t.Parallel()

		specs, err := Read(strings.NewReader(testCatalogue))
		require.NoError(t, err)
		want := []Spec{
			{UID: "uid-1", Name: "HTS clients tested", Code: "HTS-01", ProgramArea: "HTS", Dataset: "Ver.2024"},
			{UID: "uid-2", Name: "TX clients on treatment", Code: "TX-01", ProgramArea: "CT", Dataset: "Ver.2024"},
			{UID: "uid-3", Name: "PMTCT mothers on HAART", Code: "PM-01", ProgramArea: "PMTCT", Dataset: "Ver.2023"},
		}
		require.Empty(t, cmp.Diff(want, specs))
	})

	t.Run("skips rows with empty uid", func(t *testing.T) {
		t.Parallel()

		csv := "indicator_uid,data_element_name,data_element_code,program_area,dataset\n" +
			",skipped,X,HTS,Ver.2024\n" +
			"uid-9,kept,X,HTS,Ver.2024\n"
		specs, err := Read(strings.NewReader(csv))
		require.NoError(t, err)
		require.Len(t, specs, 1)
		require.Equal(t, "uid-9", specs[0].UID)
	})

	t.Run("rejects duplicate uids", func(t *testing.T) {
		t.Parallel()

		csv := "indicator_uid,data_element_name,data_element_code,program_area,dataset\n" +
			"uid-1,a,A,HTS,Ver.2024\n" +
			"uid-1,b,B,HTS,Ver.2024\n"
		_, err := Read(strings.NewReader(csv))
		require.Error(t, err)
		require.Contains(t, err.Error(), "duplicate indicator UID")
	})

	t.Run("rejects a wrong header", func(t *testing.T) {
		t.Parallel()

		csv := "uid,name,code,area,dataset\nuid-1,a,A,HTS,Ver.2024\n"
		_, err := Read(strings.NewReader(csv))
		require.Error(t, err)
	})
}

func TestDataPull_Catalog_Filter(t *testing.T) {
	t.Parallel()

	specs, err := Read(strings.NewReader(testCatalogue))
	require.NoError(t, err)

	t.Run("all program areas pass through", func(t *testing.T) {
		t.Parallel()

		require.Len(t, Filter(specs, Options{ProgramArea: "all"}), 3)
		require.Len(t, Filter(specs, Options{}), 3)
	})

	t.Run("filters by program area", func(t *testing.T) {
		t.Parallel()

		got := Filter(specs, Options{ProgramArea: "CT"})
		require.Len(t, got, 1)
		require.Equal(t, "uid-2", got[0].UID)
	})

	t.Run("filters by dataset", func(t *testing.T) {
		t.Parallel()

		got := Filter(specs, Options{Dataset: "Ver.2023"})
		require.Len(t, got, 1)
		require.Equal(t, "uid-3", got[0].UID)
	})

	t.Run("limit truncates in order", func(t *testing.T) {
		t.Parallel()

		got := Filter(specs, Options{Limit: 2})
		require.Len(t, got, 2)
		require.Equal(t, "uid-1", got[0].UID)
		require.Equal(t, "uid-2", got[1].UID)
	})
}

func TestDataPull_Catalog_Eligible(t *testing.T) {
	t.Parallel()

	t.Run("current dataset is always eligible", func(t *testing.T) {
		t.Parallel()

		spec := Spec{UID: "uid-1", Dataset: "Ver.2024"}
		require.True(t, Eligible(spec, time.Date(2023, 1, 31, 0, 0, 0, 0, time.UTC)))
	})

	t.Run("legacy dataset is excluded before the cutover", func(t *testing.T) {
		t.Parallel()

		spec := Spec{UID: "uid-3", Dataset: LegacyDataset}
		require.False(t, Eligible(spec, time.Date(2024, 2, 28, 0, 0, 0, 0, time.UTC)))
	})

	t.Run("legacy dataset is eligible from the cutover on", func(t *testing.T) {
		t.Parallel()

		spec := Spec{UID: "uid-3", Dataset: LegacyDataset}
		require.True(t, Eligible(spec, time.Date(2024, 2, 29, 0, 0, 0, 0, time.UTC)))
		require.True(t, Eligible(spec, time.Date(2024, 6, 30, 0, 0, 0, 0, time.UTC)))
	})
}
