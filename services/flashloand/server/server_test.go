package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"

	"flashpool/core"
	"flashpool/core/events"
	"flashpool/core/state"
	"flashpool/core/types"
	"flashpool/crypto"
	"flashpool/native/flashloan"
	flmw "flashpool/services/flashloand/middleware"
	"flashpool/services/flashloand/journal"
	"flashpool/storage"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func testAddress(suffix byte) crypto.Address {
	raw := make([]byte, crypto.AddressLength)
	raw[len(raw)-1] = suffix
	return crypto.MustNewAddress(crypto.PoolPrefix, raw)
}

var (
	lenderAddr   = testAddress(0x01)
	borrowerAddr = testAddress(0x02)
	operatorAddr = testAddress(0x04)
)

type testServer struct {
	handler http.Handler
	stream  *events.Stream
	auth    flmw.AuthConfig
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	executor := core.NewExecutor(state.NewManager(storage.NewMemDB()))
	db, err := journal.Open(journal.DriverSQLite, "")
	require.NoError(t, err)
	jrnl := journal.New(db, nil)
	stream := events.NewStream()
	executor.SetEmitter(events.Multi{stream, jrnl})

	_, err = executor.Genesis(flashloan.Params{
		Asset:           "XRD",
		BorrowerFeePct:  decimal.RequireFromString("1"),
		LenderRewardPct: decimal.RequireFromString("0.5"),
		Alloc: []flashloan.ParsedAllocation{
			{Address: lenderAddr, Amount: decimal.RequireFromString("1000")},
			{Address: borrowerAddr, Amount: decimal.RequireFromString("10")},
		},
	})
	require.NoError(t, err)

	authCfg := flmw.AuthConfig{HMACSecret: testSecret}
	srv, err := New(Config{
		Executor: executor,
		Journal:  jrnl,
		Stream:   stream,
		Asset:    "XRD",
		Auth:     authCfg,
	})
	require.NoError(t, err)
	return &testServer{handler: srv.Handler(), stream: stream, auth: authCfg}
}

func (ts *testServer) token(t *testing.T, addr crypto.Address, scopes ...string) string {
	t.Helper()
	token, err := flmw.IssueToken(ts.auth, addr.String(), scopes, time.Minute)
	require.NoError(t, err)
	return token
}

func (ts *testServer) submit(t *testing.T, token string, manifest types.Manifest) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(manifest)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/v1/manifests", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

func (ts *testServer) get(t *testing.T, path string, out any) int {
	t.Helper()
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	if out != nil && rec.Code == http.StatusOK {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), out))
	}
	return rec.Code
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorBody {
	t.Helper()
	var body errorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestFlashLoanRoundTripOverHTTP(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.submit(t, ts.token(t, lenderAddr), types.Manifest{Instructions: []types.Instruction{
		{Kind: types.InstructionAddFunds, Amount: "1000"},
	}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var receipt types.Receipt
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &receipt))
	require.Equal(t, []uint64{1}, receipt.Outputs[0].Positions)
	require.NotEmpty(t, receipt.Digest)

	rec = ts.submit(t, ts.token(t, borrowerAddr), types.Manifest{Instructions: []types.Instruction{
		{Kind: types.InstructionGetLoan, Amount: "500", Label: "arb"},
		{Kind: types.InstructionReturnLoan, Amount: "505", Label: "arb"},
	}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = ts.submit(t, ts.token(t, operatorAddr, "bot"), types.Manifest{Instructions: []types.Instruction{
		{Kind: types.InstructionDistributeRewards},
	}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var pool poolView
	require.Equal(t, http.StatusOK, ts.get(t, "/v1/pool", &pool))
	require.Equal(t, "1005", pool.VaultBalance)
	require.Equal(t, "1002.5", pool.TotalClaims)
	require.Equal(t, "0", pool.PendingRewards)
	require.Equal(t, "2.5", pool.OwnerSpread)

	var position positionView
	require.Equal(t, http.StatusOK, ts.get(t, "/v1/positions/1", &position))
	require.Equal(t, "1002.5", position.CurrentAmount)
	require.True(t, lenderAddr.Equal(position.Owner))

	var account accountView
	require.Equal(t, http.StatusOK, ts.get(t, "/v1/accounts/"+borrowerAddr.String(), &account))
	require.Equal(t, "5", account.Balance)
	require.Empty(t, account.Positions)

	var listed struct {
		Events []journal.Entry `json:"events"`
	}
	require.Equal(t, http.StatusOK, ts.get(t, "/v1/events?type="+flashloan.EventTypeLoanRepaid, &listed))
	require.Len(t, listed.Events, 1)
	require.Equal(t, "505", listed.Events[0].Attributes["repayment"])
}

func TestUnreturnedLoanIsRejected(t *testing.T) {
	ts := newTestServer(t)
	require.Equal(t, http.StatusOK, ts.submit(t, ts.token(t, lenderAddr), types.Manifest{Instructions: []types.Instruction{
		{Kind: types.InstructionAddFunds, Amount: "1000"},
	}}).Code)

	rec := ts.submit(t, ts.token(t, borrowerAddr), types.Manifest{Instructions: []types.Instruction{
		{Kind: types.InstructionGetLoan, Amount: "500", Label: "keep"},
	}})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	require.Equal(t, CodeUnsettledObligation, decodeError(t, rec).Code)

	var account accountView
	require.Equal(t, http.StatusOK, ts.get(t, "/v1/accounts/"+borrowerAddr.String(), &account))
	require.Equal(t, "10", account.Balance)
}

func TestManifestErrorStatuses(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.submit(t, "", types.Manifest{Instructions: []types.Instruction{{Kind: types.InstructionDistributeRewards}}})
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = ts.submit(t, ts.token(t, lenderAddr), types.Manifest{Instructions: []types.Instruction{{Kind: types.InstructionDistributeRewards}}})
	require.Equal(t, http.StatusForbidden, rec.Code)
	require.Equal(t, CodeForbidden, decodeError(t, rec).Code)

	rec = ts.submit(t, ts.token(t, operatorAddr, "bot"), types.Manifest{Instructions: []types.Instruction{{Kind: types.InstructionDistributeRewards}}})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	require.Equal(t, CodeDivisionByZero, decodeError(t, rec).Code)

	rec = ts.submit(t, ts.token(t, operatorAddr, "admin"), types.Manifest{Instructions: []types.Instruction{
		{Kind: types.InstructionSetLenderRewards, Percentage: "2"},
	}})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	require.Equal(t, CodeMarginViolation, decodeError(t, rec).Code)

	rec = ts.submit(t, ts.token(t, borrowerAddr), types.Manifest{Instructions: []types.Instruction{
		{Kind: types.InstructionGetLoan, Amount: "1", Label: "x"},
		{Kind: types.InstructionReturnLoan, Amount: "2", Label: "x"},
	}})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	require.Equal(t, CodeInsufficientLiquidity, decodeError(t, rec).Code)

	rec = ts.submit(t, ts.token(t, lenderAddr), types.Manifest{Instructions: []types.Instruction{
		{Kind: types.InstructionWithdrawFunds, Positions: []uint64{42}},
	}})
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Equal(t, CodeUnknownPosition, decodeError(t, rec).Code)

	rec = ts.submit(t, ts.token(t, lenderAddr), types.Manifest{})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/v1/manifests", strings.NewReader(`{"instructions":[],"extra":1}`))
	req.Header.Set("Authorization", "Bearer "+ts.token(t, lenderAddr))
	raw := httptest.NewRecorder()
	ts.handler.ServeHTTP(raw, req)
	require.Equal(t, http.StatusBadRequest, raw.Code)
}

func TestTokenSubjectMustBePoolAddress(t *testing.T) {
	ts := newTestServer(t)
	token, err := flmw.IssueToken(ts.auth, "not-an-address", nil, time.Minute)
	require.NoError(t, err)
	rec := ts.submit(t, token, types.Manifest{Instructions: []types.Instruction{{Kind: types.InstructionAddFunds, Amount: "1"}}})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestIdempotentManifestRunsOnce(t *testing.T) {
	ts := newTestServer(t)
	token := ts.token(t, lenderAddr)
	body := `{"instructions":[{"kind":"add_funds","amount":"100"}]}`

	send := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/v1/manifests", strings.NewReader(body))
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Idempotency-Key", "deposit-1")
		rec := httptest.NewRecorder()
		ts.handler.ServeHTTP(rec, req)
		return rec
	}
	first := send()
	require.Equal(t, http.StatusOK, first.Code, first.Body.String())
	second := send()
	require.Equal(t, http.StatusOK, second.Code)
	require.Equal(t, first.Body.String(), second.Body.String())

	var pool poolView
	require.Equal(t, http.StatusOK, ts.get(t, "/v1/pool", &pool))
	require.Equal(t, "100", pool.TotalClaims)
}

func TestReadEndpointsValidateInput(t *testing.T) {
	ts := newTestServer(t)
	require.Equal(t, http.StatusBadRequest, ts.get(t, "/v1/positions/abc", nil))
	require.Equal(t, http.StatusNotFound, ts.get(t, "/v1/positions/7", nil))
	require.Equal(t, http.StatusBadRequest, ts.get(t, "/v1/accounts/nope", nil))
	require.Equal(t, http.StatusBadRequest, ts.get(t, "/v1/events?limit=-1", nil))
	require.Equal(t, http.StatusOK, ts.get(t, "/healthz", nil))
}

func TestEventStreamReplaysAndFollows(t *testing.T) {
	ts := newTestServer(t)
	httpSrv := httptest.NewServer(ts.handler)
	defer httpSrv.Close()

	require.Equal(t, http.StatusOK, ts.submit(t, ts.token(t, lenderAddr), types.Manifest{Instructions: []types.Instruction{
		{Kind: types.InstructionAddFunds, Amount: "10"},
	}}).Code)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(httpSrv.URL, "http") + "/v1/events/stream?cursor=1"
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "done")

	read := func() events.StreamUpdate {
		_, data, err := conn.Read(ctx)
		require.NoError(t, err)
		var update events.StreamUpdate
		require.NoError(t, json.Unmarshal(data, &update))
		return update
	}

	// Cursor 1 skips the genesis fee event.
	replayed := read()
	require.Equal(t, uint64(2), replayed.Sequence)
	require.Equal(t, flashloan.EventTypePositionOpened, replayed.Event.Type)

	require.Equal(t, http.StatusOK, ts.submit(t, ts.token(t, lenderAddr), types.Manifest{Instructions: []types.Instruction{
		{Kind: types.InstructionAddFunds, Amount: "20"},
	}}).Code)
	live := read()
	require.Equal(t, flashloan.EventTypePositionOpened, live.Event.Type)
	require.Equal(t, fmt.Sprint(replayed.Sequence+1), live.Cursor)
}

func TestClassifyFallsBackToInternal(t *testing.T) {
	status, code := classify(fmt.Errorf("wrapped: %w", flashloan.ErrAccountingInconsistency))
	require.Equal(t, http.StatusInternalServerError, status)
	require.Equal(t, CodeAccountingInconsistency, code)

	status, code = classify(fmt.Errorf("boom"))
	require.Equal(t, http.StatusInternalServerError, status)
	require.Equal(t, CodeInternal, code)
}
