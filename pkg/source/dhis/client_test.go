package dhis

import (
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/afyalabs/datapull/pkg/source"
)

func testClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := New(Config{
		Logger:      slog.New(slog.NewTextHandler(os.Stderr, nil)),
		Source:      "khis",
		BaseURL:     server.URL + "/api",
		Username:    "user",
		Password:    "pass",
		MaxAttempts: 2,
	})
	require.NoError(t, err)
	return client
}

func TestDataPull_DHIS_Analytics(t *testing.T) {
	t.Parallel()

	t.Run("query keeps semicolon dimension filters verbatim", func(t *testing.T) {
		t.Parallel()

		var gotURI string
		client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotURI = r.URL.RequestURI()
			user, pass, ok := r.BasicAuth()
			require.True(t, ok)
			require.Equal(t, "user", user)
			require.Equal(t, "pass", pass)
			w.Write([]byte(`{"rows": [["a", "b"]]}`))
		}))

		resp, err := client.Analytics(t.Context(), AnalyticsRequest{
			Indicators: []string{"uidA", "uidB"},
			Period:     "202404",
		})
		require.NoError(t, err)
		require.Equal(t, [][]string{{"a", "b"}}, resp.Rows)
		require.Equal(t,
			"/api/analytics?dimension=ou:LEVEL-5;&dimension=dx:uidA;uidB;&dimension=pe:202404;"+
				"&displayProperty=NAME&showHierarchy=true&tableLayout=true&columns=dx;pe&rows=ou"+
				"&hideEmptyRows=true&paging=false",
			gotURI)
	})

	t.Run("retryable status succeeds on a later attempt", func(t *testing.T) {
		t.Parallel()

		var calls atomic.Int32
		client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if calls.Add(1) == 1 {
				w.WriteHeader(http.StatusInternalServerError)
				return
			}
			w.Write([]byte(`{"rows": []}`))
		}))

		_, err := client.Analytics(t.Context(), AnalyticsRequest{Indicators: []string{"uidA"}, Period: "202404"})
		require.NoError(t, err)
		require.Equal(t, int32(2), calls.Load())
	})

	t.Run("retryable status exhausts into a transport error", func(t *testing.T) {
		t.Parallel()

		var calls atomic.Int32
		client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			w.WriteHeader(http.StatusServiceUnavailable)
		}))

		_, err := client.Analytics(t.Context(), AnalyticsRequest{Indicators: []string{"uidA"}, Period: "202404"})
		require.Error(t, err)
		var te *source.TransportError
		require.True(t, errors.As(err, &te))
		require.Equal(t, 2, te.Attempts)
		require.Equal(t, int32(2), calls.Load())
	})

	t.Run("rejected credentials stop without retrying", func(t *testing.T) {
		t.Parallel()

		var calls atomic.Int32
		client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			w.WriteHeader(http.StatusUnauthorized)
		}))

		_, err := client.Analytics(t.Context(), AnalyticsRequest{Indicators: []string{"uidA"}, Period: "202404"})
		require.Error(t, err)
		require.True(t, source.IsAuth(err))
		require.Equal(t, int32(1), calls.Load())
	})

	t.Run("non retryable status surfaces as a status error", func(t *testing.T) {
		t.Parallel()

		client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`bad dimension`))
		}))

		_, err := client.Analytics(t.Context(), AnalyticsRequest{Indicators: []string{"uidA"}, Period: "202404"})
		require.Error(t, err)
		var se *source.StatusError
		require.True(t, errors.As(err, &se))
		require.Equal(t, http.StatusBadRequest, se.Status)
		require.Contains(t, se.Body, "bad dimension")
	})

	t.Run("malformed body surfaces as a parse error", func(t *testing.T) {
		t.Parallel()

		client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`not json`))
		}))

		_, err := client.Analytics(t.Context(), AnalyticsRequest{Indicators: []string{"uidA"}, Period: "202404"})
		require.Error(t, err)
		var pe *source.ParseError
		require.True(t, errors.As(err, &pe))
	})
}

func TestDataPull_DHIS_DataValueSets(t *testing.T) {
	t.Parallel()

	var gotURI string
	client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotURI = r.URL.RequestURI()
		w.Write([]byte(`{"dataValues": [
			{"dataElement": "de1", "period": "2024Q2", "orgUnit": "ou1", "value": "42", "followup": true}
		]}`))
	}))

	resp, err := client.DataValueSets(t.Context(), DataValueSetsRequest{
		DataSet:   "ptIUGFkE6jn",
		StartDate: "2024-04-01",
		EndDate:   "2024-06-30",
		OrgUnit:   "HfVjCurKxh2",
		Children:  true,
	})
	require.NoError(t, err)
	require.Equal(t,
		"/api/dataValueSets?dataSet=ptIUGFkE6jn&startDate=2024-04-01&endDate=2024-06-30&orgUnit=HfVjCurKxh2&children=true",
		gotURI)
	require.Len(t, resp.DataValues, 1)
	require.Equal(t, "de1", resp.DataValues[0].DataElement)
	require.True(t, resp.DataValues[0].Followup)
}

func TestDataPull_DHIS_Metadata(t *testing.T) {
	t.Parallel()

	t.Run("flat listing decodes by resource key", func(t *testing.T) {
		t.Parallel()

		var gotURI string
		client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotURI = r.URL.RequestURI()
			w.Write([]byte(`{"dataElements": [
				{"id": "de1", "name": "Element one", "shortName": "E1", "code": "E-1"}
			]}`))
		}))

		items, err := client.Metadata(t.Context(), MetadataRequest{Resource: "dataElements"})
		require.NoError(t, err)
		require.Equal(t, "/api/dataElements?fields=id,name,shortName,code&paging=false", gotURI)
		require.Len(t, items, 1)
		require.Equal(t, MetadataItem{ID: "de1", Name: "Element one", ShortName: "E1", Code: "E-1"}, items[0])
	})

	t.Run("rooted listing scopes to the subtree", func(t *testing.T) {
		t.Parallel()

		var gotURI string
		client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotURI = r.URL.RequestURI()
			w.Write([]byte(`{"organisationUnits": []}`))
		}))

		_, err := client.Metadata(t.Context(), MetadataRequest{Resource: "organisationUnits", Root: "HfVjCurKxh2"})
		require.NoError(t, err)
		require.Equal(t,
			"/api/organisationUnits/HfVjCurKxh2?fields=id,name,shortName,code&paging=false&includeDescendants=true",
			gotURI)
	})

	t.Run("missing resource key is a parse error", func(t *testing.T) {
		t.Parallel()

		client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"pager": {}}`))
		}))

		_, err := client.Metadata(t.Context(), MetadataRequest{Resource: "dataElements"})
		require.Error(t, err)
		var pe *source.ParseError
		require.True(t, errors.As(err, &pe))
	})
}
