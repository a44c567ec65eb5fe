// zion-cli is a command-line client for interacting with a ziond node over
// its JSON-RPC 2.0 API.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/zion-network/zion-chain/internal/rpcclient"
)

func usage() {
	fmt.Fprintln(os.Stderr, `Usage: zion-cli [--rpc=URL] <command> [args...]

Commands:
  info                          get_info
  block <hash|height>           get_block
  header <hash>                 get_header
  tx <hash>                     get_transaction
  supply                        get_supply
  buyback                       get_buyback_stats
  net                           get_network_info
  peers                         get_peer_info
  health                        get_health_check
  metrics                       get_metrics
  template <coinbase-address>   get_block_template
  submitblock <block.json>      submit_block
  sendtx <tx.json>              send_raw_transaction
  mempool                       get_mempool
  call <method> <params.json>   raw JSON-RPC call

Flags:
  --rpc=URL   RPC endpoint (default http://127.0.0.1:8545)`)
}

func main() {
	rpcURL := "http://127.0.0.1:8545"

	args := os.Args[1:]
	for len(args) > 0 && strings.HasPrefix(args[0], "--") {
		switch {
		case args[0] == "--rpc" && len(args) > 1:
			rpcURL = args[1]
			args = args[2:]
		case strings.HasPrefix(args[0], "--rpc="):
			rpcURL = args[0][len("--rpc="):]
			args = args[1:]
		default:
			usage()
			os.Exit(1)
		}
	}

	if len(args) < 1 {
		usage()
		os.Exit(1)
	}

	client := rpcclient.New(rpcURL)
	cmd, rest := args[0], args[1:]

	var err error
	switch cmd {
	case "info":
		err = call(client, "get_info", nil)
	case "block":
		err = cmdGetBlock(client, rest)
	case "header":
		err = cmdHash(client, "get_header", rest)
	case "tx":
		err = cmdHash(client, "get_transaction", rest)
	case "supply":
		err = call(client, "get_supply", nil)
	case "buyback":
		err = call(client, "get_buyback_stats", nil)
	case "net":
		err = call(client, "get_network_info", nil)
	case "peers":
		err = call(client, "get_peer_info", nil)
	case "health":
		err = call(client, "get_health_check", nil)
	case "metrics":
		err = call(client, "get_metrics", nil)
	case "template":
		err = cmdTemplate(client, rest)
	case "submitblock":
		err = cmdFromFile(client, "submit_block", "block", rest)
	case "sendtx":
		err = cmdFromFile(client, "send_raw_transaction", "transaction", rest)
	case "mempool":
		err = call(client, "get_mempool", nil)
	case "call":
		err = cmdRawCall(client, rest)
	case "-h", "--help", "help":
		usage()
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", cmd)
		usage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// call invokes method with params and prints the pretty-printed JSON result.
func call(client *rpcclient.Client, method string, params interface{}) error {
	var raw json.RawMessage
	if err := client.Call(method, params, &raw); err != nil {
		return err
	}
	return printJSON(raw)
}

func printJSON(raw json.RawMessage) error {
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return err
	}
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func cmdHash(client *rpcclient.Client, method string, rest []string) error {
	if len(rest) != 1 {
		return fmt.Errorf("%s requires exactly one hash argument", method)
	}
	return call(client, method, map[string]string{"hash": rest[0]})
}

func cmdGetBlock(client *rpcclient.Client, rest []string) error {
	if len(rest) != 1 {
		return fmt.Errorf("block requires a hash or height argument")
	}
	if height, err := strconv.ParseUint(rest[0], 10, 64); err == nil {
		return call(client, "get_block", map[string]interface{}{"height": height})
	}
	return call(client, "get_block", map[string]string{"hash": rest[0]})
}

func cmdTemplate(client *rpcclient.Client, rest []string) error {
	if len(rest) != 1 {
		return fmt.Errorf("template requires a coinbase address argument")
	}
	return call(client, "get_block_template", map[string]string{"coinbase_address": rest[0]})
}

// cmdFromFile reads a JSON document from a file (or "-" for stdin), wraps it
// under the given field name, and submits it via method.
func cmdFromFile(client *rpcclient.Client, method, field string, rest []string) error {
	if len(rest) != 1 {
		return fmt.Errorf("%s requires a JSON file argument", method)
	}
	data, err := readInput(rest[0])
	if err != nil {
		return err
	}
	var body json.RawMessage
	if err := json.Unmarshal(data, &body); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	params := map[string]json.RawMessage{field: body}
	return call(client, method, params)
}

func cmdRawCall(client *rpcclient.Client, rest []string) error {
	if len(rest) < 1 {
		return fmt.Errorf("call requires a method name")
	}
	method := rest[0]
	var params interface{}
	if len(rest) > 1 {
		data, err := readInput(rest[1])
		if err != nil {
			return err
		}
		if err := json.Unmarshal(data, &params); err != nil {
			return fmt.Errorf("invalid JSON params: %w", err)
		}
	}
	return call(client, method, params)
}

func readInput(path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(path)
}
