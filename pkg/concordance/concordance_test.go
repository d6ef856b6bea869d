package concordance

import (
	"context"
	"log/slog"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/afyalabs/datapull/pkg/duck"
	"github.com/afyalabs/datapull/pkg/staging"
)

func testDB(t *testing.T) *duck.FileDB {
	t.Helper()

	log := slog.New(slog.NewTextHandler(os.Stderr, nil))
	db, err := duck.New(t.Context(), log, "")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func seedMasters(t *testing.T, db *duck.FileDB) {
	t.Helper()
	ctx := t.Context()

	conn, err := db.Conn(ctx)
	require.NoError(t, err)
	defer conn.Close()

	stmts := []string{
		`CREATE TABLE khis_master (
			site_code VARCHAR, org_unit_name VARCHAR, numerdom VARCHAR,
			period VARCHAR, value VARCHAR
		)`,
		`CREATE TABLE datim_master (
			site_code VARCHAR, org_unit_name VARCHAR, program_area VARCHAR,
			hiv_status VARCHAR, data_element_id VARCHAR, quarter VARCHAR, value VARCHAR
		)`,
		// Testing positives split across two cohorts and two months.
		`INSERT INTO khis_master VALUES
			('12345', 'Alpha Clinic', 'HV01-17', '202404', '60'),
			('12345', 'Alpha Clinic', 'HV01-18', '202405', '40')`,
		// Current treatment, with an out-of-window month that must not count.
		`INSERT INTO khis_master VALUES
			('12345', 'Alpha Clinic', 'HV03-028', '202406', '50'),
			('12345', 'Alpha Clinic', 'HV03-028', '202405', '999')`,
		`INSERT INTO datim_master VALUES
			('12345', 'Alpha Clinic', 'HTS_TST ', 'Positive', 'deHTS', '2024Q3', '95'),
			('54321', 'Beta Hospital', 'HTS_TST ', 'Positive', 'deHTS', '2024Q3', '10'),
			('12345', 'Alpha Clinic', 'TX_CURR ', 'Positive', 'xxHyvw9VnZ2chxx', '2024Q3', '25')`,
	}
	for _, stmt := range stmts {
		_, err := conn.ExecContext(ctx, stmt)
		require.NoError(t, err)
	}
}

func seedWarehouse(t *testing.T, db *duck.FileDB) {
	t.Helper()
	ctx := t.Context()

	log := slog.New(slog.NewTextHandler(os.Stderr, nil))
	store, err := staging.NewStore(staging.StoreConfig{Logger: log, DB: db})
	require.NoError(t, err)
	require.NoError(t, store.RecreateWarehouse(ctx))

	v30, v50 := int64(30), int64(50)
	require.NoError(t, store.InsertWarehouseRows(ctx, []staging.WarehouseRow{
		{SiteCode: "12345", FacilityName: "Alpha Clinic", ReportMonthYear: "202404", Value: &v30, IndicatorName: "HTSTSTPOS"},
		{SiteCode: "12345", FacilityName: "Alpha Clinic", ReportMonthYear: "202406", Value: &v50, IndicatorName: "TXCURR"},
	}))
}

func TestDataPull_Concordance_Run(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	db := testDB(t)
	seedMasters(t, db)
	seedWarehouse(t, db)

	engine, err := New(Config{
		Logger: slog.New(slog.NewTextHandler(os.Stderr, nil)),
		DB:     db,
		Aggregates: []Aggregate{
			DefaultAggregates(DefaultWindow())[0], // KHIS HTS_TST_POS
			DefaultAggregates(DefaultWindow())[1], // KHIS TX_CURR
			DefaultAggregates(DefaultWindow())[4], // DATIM HTS_TST_POS
			DefaultAggregates(DefaultWindow())[5], // DATIM TX_CURR
			DefaultAggregates(DefaultWindow())[7], // NDW HTS_TST_POS
			DefaultAggregates(DefaultWindow())[8], // NDW TX_CURR
		},
	})
	require.NoError(t, err)

	rows, err := engine.Run(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 3)

	t.Run("rows are sorted by indicator then site", func(t *testing.T) {
		require.Equal(t, "HTS_TST_POS", rows[0].Indicator)
		require.Equal(t, "12345", rows[0].SiteCode)
		require.Equal(t, "HTS_TST_POS", rows[1].Indicator)
		require.Equal(t, "54321", rows[1].SiteCode)
		require.Equal(t, "TX_CURR", rows[2].Indicator)
		require.Equal(t, "12345", rows[2].SiteCode)
	})

	t.Run("per month cohort sums pivot into one site row", func(t *testing.T) {
		r := rows[0]
		require.Equal(t, "Alpha Clinic", r.SiteName)
		require.Equal(t, float64(100), r.KHIS)
		require.Equal(t, float64(95), r.DATIM)
		require.Equal(t, float64(30), r.NDW)
		require.InDelta(t, 95.0, r.ConcordanceKHISToDATIM, 0.001)
		require.InDelta(t, 30.0, r.ConcordanceKHISToNDW, 0.001)
	})

	t.Run("sites absent from the reference source get zero ratios", func(t *testing.T) {
		r := rows[1]
		require.Equal(t, "Beta Hospital", r.SiteName)
		require.Equal(t, float64(0), r.KHIS)
		require.Equal(t, float64(10), r.DATIM)
		require.Equal(t, float64(0), r.ConcordanceKHISToDATIM)
		require.Equal(t, float64(0), r.ConcordanceKHISToNDW)
	})

	t.Run("point in time filters drop out-of-window months", func(t *testing.T) {
		r := rows[2]
		require.Equal(t, float64(50), r.KHIS)
		require.Equal(t, float64(25), r.DATIM)
		require.Equal(t, float64(50), r.NDW)
		require.InDelta(t, 50.0, r.ConcordanceKHISToDATIM, 0.001)
		require.InDelta(t, 100.0, r.ConcordanceKHISToNDW, 0.001)
	})
}

func TestDataPull_Concordance_DefaultAggregates(t *testing.T) {
	t.Parallel()

	aggs := DefaultAggregates(DefaultWindow())
	require.Len(t, aggs, 9)

	bySource := map[string]int{}
	for _, agg := range aggs {
		bySource[agg.Source]++
		require.NotEmpty(t, agg.Indicator)
		require.NotEmpty(t, agg.Query)
	}
	require.Equal(t, 4, bySource[SourceKHIS])
	require.Equal(t, 3, bySource[SourceDATIM])
	require.Equal(t, 2, bySource[SourceNDW])
}

func TestDataPull_Concordance_WriteCSV(t *testing.T) {
	t.Parallel()

	rows := []Row{
		{
			Indicator: "HTS_TST_POS", SiteCode: "12345", SiteName: "Alpha Clinic",
			KHIS: 100, DATIM: 95, NDW: 30,
			ConcordanceKHISToDATIM: 95, ConcordanceKHISToNDW: 30,
		},
		{
			Indicator: "TX_CURR", SiteCode: "54321", SiteName: "Beta Hospital",
			KHIS: 3, DATIM: 1, NDW: 0,
			ConcordanceKHISToDATIM: 100.0 / 3, ConcordanceKHISToNDW: 0,
		},
	}

	var buf strings.Builder
	require.NoError(t, WriteCSV(&buf, rows))

	want := "indicator,site_code,site_name,KHIS,DATIM,NDW,concordance_KHIS_to_DATIM,concordance_KHIS_to_NDW\n" +
		"HTS_TST_POS,12345,Alpha Clinic,100,95,30,95.0,30.0\n" +
		"TX_CURR,54321,Beta Hospital,3,1,0,33.3,0.0\n"
	require.Equal(t, want, buf.String())
}
