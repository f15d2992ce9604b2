package rpcpool

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// EndpointConfig is the static, immutable configuration of one daemon
// connection. It never changes after construction; only the live/down
// state tracked by EndpointPool changes.
type EndpointConfig struct {
	Host         string
	Port         int
	Username     string
	Password     string
	PollPriority int // higher is preferred
	MaxPoolSize  int // bounded HTTP connection pool size, default 10
}

func (c EndpointConfig) addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Template is the opaque getblocktemplate result. Only the fields the job
// builder consumes are typed here; everything else rides along in Raw for
// the block-template library to use.
type Template struct {
	Height            int64                  `json:"height"`
	CoinbaseValue     int64                  `json:"coinbasevalue"`
	Bits              string                 `json:"bits"`
	PreviousBlockHash string                 `json:"previousblockhash"`
	Version           int32                  `json:"version"`
	CurTime           int64                  `json:"curtime"`
	MinTime           int64                  `json:"mintime"`
	Target            string                 `json:"target"`
	Transactions      []TemplateTransaction  `json:"transactions"`
	Raw               map[string]interface{} `json:"-"`
}

// TemplateTransaction is one non-coinbase transaction in a Template.
type TemplateTransaction struct {
	Data string `json:"data"`
	Fee  int64  `json:"fee"`
	Hash string `json:"hash,omitempty"`
	Txid string `json:"txid,omitempty"`
}

// Equal reports whether two templates are byte-equal for the purposes of
// the NetworkMonitor dedupe check (spec §4.3 "clean" vs "dirty" refresh).
func (t *Template) Equal(other *Template) bool {
	if t == nil || other == nil {
		return t == other
	}
	if t.Height != other.Height || t.CoinbaseValue != other.CoinbaseValue ||
		t.Bits != other.Bits || t.PreviousBlockHash != other.PreviousBlockHash ||
		t.Version != other.Version || t.CurTime != other.CurTime ||
		len(t.Transactions) != len(other.Transactions) {
		return false
	}
	for i := range t.Transactions {
		if t.Transactions[i].Data != other.Transactions[i].Data {
			return false
		}
	}
	return true
}

// AuxBlock is the getauxblock response shape.
type AuxBlock struct {
	Hash    string `json:"hash"`
	Target  string `json:"target"`
	ChainID int64  `json:"chainid"`
}

// Endpoint is a thin typed facade over HTTP JSON-RPC to one daemon.
type Endpoint struct {
	Config EndpointConfig

	client  *http.Client
	url     string
	nextID  int64
	timeout time.Duration
}

// NewEndpoint builds an Endpoint with a bounded connection pool.
func NewEndpoint(cfg EndpointConfig) *Endpoint {
	maxPool := cfg.MaxPoolSize
	if maxPool <= 0 {
		maxPool = 10
	}
	transport := &http.Transport{
		MaxConnsPerHost:     maxPool,
		MaxIdleConnsPerHost: maxPool,
		IdleConnTimeout:     90 * time.Second,
	}
	return &Endpoint{
		Config:  cfg,
		client:  &http.Client{Transport: transport, Timeout: 10 * time.Second},
		url:     fmt.Sprintf("http://%s", cfg.addr()),
		timeout: 10 * time.Second,
	}
}

func (e *Endpoint) String() string { return e.Config.addr() }

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      int64         `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type rpcResponse struct {
	ID     int64           `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (e *Endpoint) call(ctx context.Context, method string, params []interface{}, out interface{}) error {
	e.nextID++
	body, err := json.Marshal(rpcRequest{JSONRPC: "1.0", ID: e.nextID, Method: method, Params: params})
	if err != nil {
		return &TransportError{Endpoint: e.String(), Method: method, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(body))
	if err != nil {
		return &TransportError{Endpoint: e.String(), Method: method, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth(e.Config.Username, e.Config.Password)

	resp, err := e.client.Do(req)
	if err != nil {
		return &TransportError{Endpoint: e.String(), Method: method, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusInternalServerError {
		return &TransportError{Endpoint: e.String(), Method: method, Err: fmt.Errorf("unexpected status %d", resp.StatusCode)}
	}

	var rr rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rr); err != nil {
		return &TransportError{Endpoint: e.String(), Method: method, Err: err}
	}
	if rr.Error != nil {
		return &RpcError{Endpoint: e.String(), Method: method, Code: rr.Error.Code, Message: rr.Error.Message}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(rr.Result, out); err != nil {
		return &TransportError{Endpoint: e.String(), Method: method, Err: err}
	}
	return nil
}

// GetInfo pings the daemon for basic liveness, used by the probe loop.
func (e *Endpoint) GetInfo(ctx context.Context) error {
	return e.call(ctx, "getinfo", nil, nil)
}

// GetBlockCount returns the primary chain's current height.
func (e *Endpoint) GetBlockCount(ctx context.Context) (int64, error) {
	var height int64
	if err := e.call(ctx, "getblockcount", nil, &height); err != nil {
		return 0, err
	}
	return height, nil
}

// GetBlockTemplate requests a fresh template with the given capability set.
func (e *Endpoint) GetBlockTemplate(ctx context.Context, capabilities map[string]interface{}) (*Template, error) {
	var raw map[string]interface{}
	if err := e.call(ctx, "getblocktemplate", []interface{}{capabilities}, &raw); err != nil {
		return nil, err
	}
	blob, err := json.Marshal(raw)
	if err != nil {
		return nil, &TransportError{Endpoint: e.String(), Method: "getblocktemplate", Err: err}
	}
	var tmpl Template
	if err := json.Unmarshal(blob, &tmpl); err != nil {
		return nil, &TransportError{Endpoint: e.String(), Method: "getblocktemplate", Err: err}
	}
	tmpl.Raw = raw
	return &tmpl, nil
}

// GetAuxBlock requests the current merge-mining work from an aux daemon.
func (e *Endpoint) GetAuxBlock(ctx context.Context) (*AuxBlock, error) {
	var ab AuxBlock
	if err := e.call(ctx, "getauxblock", nil, &ab); err != nil {
		return nil, err
	}
	return &ab, nil
}

// SubmitBlock submits a solved primary-chain block. Outside this core's
// scope per spec §1 Non-goals, but exposed for the submission pipeline.
func (e *Endpoint) SubmitBlock(ctx context.Context, hexBlock string) error {
	return e.call(ctx, "submitblock", []interface{}{hexBlock}, nil)
}

// SubmitAuxBlock submits a solved aux-chain block.
func (e *Endpoint) SubmitAuxBlock(ctx context.Context, hash, auxPow string) error {
	var accepted bool
	return e.call(ctx, "submitauxblock", []interface{}{hash, auxPow}, &accepted)
}

// GetBlockTemplateCapabilities is the default capability set spec §4.3
// requires for the refresh call.
func GetBlockTemplateCapabilities() map[string]interface{} {
	return map[string]interface{}{
		"capabilities": []string{"coinbasevalue", "coinbase/append", "coinbase", "generation", "time", "transactions/remove", "prevblock"},
	}
}
