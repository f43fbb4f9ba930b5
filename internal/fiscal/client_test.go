package fiscal

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClient_LookupServiceCode(t *testing.T) {
	t.Run("configured code wins", func(t *testing.T) {
		c := NewClient(Config{BaseURL: "http://unused.invalid", CityServiceCode: "0107"})

		code, err := c.LookupServiceCode(context.Background())

		require.NoError(t, err)
		assert.Equal(t, "0107", code)
	})

	t.Run("first registered code", func(t *testing.T) {
		r := chi.NewRouter()
		r.Get("/v1/companies/{company}/servicecodes", func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "co_1", chi.URLParam(r, "company"))
			assert.Equal(t, "key", r.Header.Get("Authorization"))
			_, _ = w.Write([]byte(`{"serviceCodes":[{"code":"8.02","description":"Instrução"},{"code":"1.05"}]}`))
		})
		srv := httptest.NewServer(r)
		defer srv.Close()

		code, err := NewClient(Config{BaseURL: srv.URL, APIKey: "key", CompanyID: "co_1"}).LookupServiceCode(context.Background())

		require.NoError(t, err)
		assert.Equal(t, "8.02", code)
	})

	t.Run("none registered", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"serviceCodes":[]}`))
		}))
		defer srv.Close()

		_, err := NewClient(Config{BaseURL: srv.URL, CompanyID: "co_1"}).LookupServiceCode(context.Background())

		assert.ErrorIs(t, err, ErrNoServiceCode)
	})
}

func TestClient_ScheduleInvoice(t *testing.T) {
	var body map[string]any
	r := chi.NewRouter()
	r.Post("/v1/companies/{company}/serviceinvoices", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"id":"nf_1","flowStatus":"WaitingSend"}`))
	})
	srv := httptest.NewServer(r)
	defer srv.Close()

	req := InvoiceRequest{
		ExternalID:      "inv-1",
		CityServiceCode: "0107",
		Description:     "Go course",
		ServicesAmount:  decimal.RequireFromString("300"),
		Borrower:        Borrower{Name: "Ana", Email: "ana@example.com", FederalTaxNumber: "11122233344"},
		Taxes:           NewISSTax(decimal.RequireFromString("300"), decimal.RequireFromString("2")),
	}

	id, err := NewClient(Config{BaseURL: srv.URL, CompanyID: "co_1"}).ScheduleInvoice(context.Background(), req)

	require.NoError(t, err)
	assert.Equal(t, "nf_1", id)
	assert.Equal(t, "300", body["servicesAmount"])
	taxes := body["taxes"].(map[string]any)
	assert.Equal(t, "2", taxes["issRate"])
	assert.Equal(t, "6", taxes["issTaxAmount"])
}

func TestNewISSTax(t *testing.T) {
	tax := NewISSTax(decimal.RequireFromString("199.90"), decimal.RequireFromString("5"))

	assert.True(t, tax.Amount.Equal(decimal.RequireFromString("10")), "got %s", tax.Amount)
	assert.False(t, tax.Withheld)
}

func TestTruncateDescription(t *testing.T) {
	short := "Curso de Go"
	assert.Equal(t, short, TruncateDescription(short))

	long := strings.Repeat("é", MaxDescriptionLength+10)
	got := TruncateDescription(long)
	assert.Len(t, []rune(got), MaxDescriptionLength)
	assert.True(t, strings.HasPrefix(long, got))
}
