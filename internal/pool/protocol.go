package pool

import "encoding/json"

// Wire format is line-delimited JSON, Stratum-style: the client sends
// {method, params, id} requests, the server replies with either
// {"result":true,"id":...} or {"result":false,"error":[code,msg],"id":...},
// and pushes unsolicited {method, params} notifications for job dispatch
// and difficulty/extranonce changes.

// Request is a client->server call: mining.subscribe, mining.authorize,
// mining.submit.
type Request struct {
	ID     json.RawMessage   `json:"id"`
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params"`
}

// Response answers a Request. Error is [code, message] when Result is false.
type Response struct {
	ID     json.RawMessage `json:"id"`
	Result interface{}     `json:"result"`
	Error  []interface{}   `json:"error,omitempty"`
}

// Notify is a server->client push: mining.notify, mining.set_difficulty,
// mining.set_extranonce. ID is always null on notifications.
type Notify struct {
	ID     interface{} `json:"id"`
	Method string      `json:"method"`
	Params interface{} `json:"params"`
}

// JobParams is the mining.notify payload. Unlike Bitcoin's flat coinbase1/
// coinbase2/merkle-branch tuple, the candidate block's coinbase output
// already pays the pool's own address (see rpc.BlockTemplateParam), so the
// job carries the template's header fields directly; nothing about the
// coinbase changes per worker, only the nonce's high bits (the assigned
// extranonce) do.
type JobParams struct {
	JobID      string `json:"job_id"`
	Height     uint64 `json:"height"`
	PrevHash   string `json:"prev_hash"`
	MerkleRoot string `json:"merkle_root"`
	Timestamp  uint64 `json:"timestamp"`
	Version    uint32 `json:"version"`
	Difficulty uint64 `json:"difficulty"`
	Target     string `json:"target"`
	CleanJobs  bool   `json:"clean_jobs"`
}

// SetDifficultyParams is the mining.set_difficulty payload: the worker's
// new per-share target difficulty (pool-local, always <= network difficulty).
type SetDifficultyParams struct {
	Difficulty float64 `json:"difficulty"`
}

// SetExtranonceParams assigns a connection its nonce-space partition:
// full header nonce = extranonce<<32 | nonce2, where nonce2 is the
// Nonce2Size-byte value the worker searches and submits.
type SetExtranonceParams struct {
	Extranonce string `json:"extranonce"`
	Nonce2Size int    `json:"nonce2_size"`
}

// SubmitParams is the mining.submit payload: [worker, job_id, nonce2].
type SubmitParams struct {
	Worker string
	JobID  string
	Nonce2 string
}
