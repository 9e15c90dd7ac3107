// Command digest prints the approval digests the registry and pooled funds
// verify, and signs them when DEFARM_SIGNER_KEY is set.
package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"

	"defarm/internal/config"
	"defarm/internal/signature"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/holiman/uint256"
)

const (
	signerKeyEnv = "DEFARM_SIGNER_KEY"
	envFile      = ".env"
)

type output struct {
	Kind      string `json:"kind"`
	Digest    string `json:"digest"`
	Signer    string `json:"signer,omitempty"`
	Signature string `json:"signature,omitempty"`
	Recovered string `json:"recovered,omitempty"`
}

func main() {
	if len(os.Args) < 2 {
		usage()
	}
	if err := config.LoadEnv(envFile); err != nil {
		fatal(err)
	}
	var (
		out output
		err error
	)
	switch os.Args[1] {
	case "create-farm":
		out, err = createFarm(os.Args[2:])
	case "divest":
		out, err = divest(os.Args[2:])
	case "recover":
		out, err = recoverSigner(os.Args[2:])
	default:
		usage()
	}
	if err != nil {
		fatal(err)
	}
	pretty, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		fatal(err)
	}
	fmt.Println(string(pretty))
}

func createFarm(args []string) (output, error) {
	fs := flag.NewFlagSet("create-farm", flag.ExitOnError)
	chainID := fs.Uint64("chain-id", 1, "chain id the registry lives on")
	registry := fs.String("registry", "", "registry address")
	operator := fs.String("operator", "", "operator address")
	manager := fs.String("manager", "", "manager address")
	_ = fs.Parse(args)

	addrs, err := parseAddresses(map[string]string{"registry": *registry, "operator": *operator, "manager": *manager})
	if err != nil {
		return output{}, err
	}
	digest := signature.CreateFarmDigest(uint256.NewInt(*chainID), addrs["registry"], addrs["operator"], addrs["manager"])
	return sign("create-farm", digest)
}

func divest(args []string) (output, error) {
	fs := flag.NewFlagSet("divest", flag.ExitOnError)
	chainID := fs.Uint64("chain-id", 1, "chain id the fund lives on")
	fund := fs.String("fund", "", "pooled fund address")
	asset := fs.String("asset", "", "asset being returned")
	infoHash := fs.String("info-hash", "", "32-byte settlement reference")
	_ = fs.Parse(args)

	addrs, err := parseAddresses(map[string]string{"fund": *fund, "asset": *asset})
	if err != nil {
		return output{}, err
	}
	hash, err := parseHash(*infoHash)
	if err != nil {
		return output{}, err
	}
	digest := signature.DivestDigest(uint256.NewInt(*chainID), addrs["fund"], addrs["asset"], hash)
	return sign("divest", digest)
}

func recoverSigner(args []string) (output, error) {
	fs := flag.NewFlagSet("recover", flag.ExitOnError)
	digestHex := fs.String("digest", "", "digest that was signed")
	sigHex := fs.String("signature", "", "65-byte signature")
	_ = fs.Parse(args)

	digest, err := parseHash(*digestHex)
	if err != nil {
		return output{}, err
	}
	sig, err := hexutil.Decode(strings.TrimSpace(*sigHex))
	if err != nil {
		return output{}, fmt.Errorf("signature: %w", err)
	}
	signer, err := signature.Recover(digest, sig)
	if err != nil {
		return output{}, err
	}
	return output{Kind: "recover", Digest: digest.Hex(), Signature: hexutil.Encode(sig), Recovered: signer.Hex()}, nil
}

func sign(kind string, digest common.Hash) (output, error) {
	out := output{Kind: kind, Digest: digest.Hex()}
	key := strings.TrimSpace(os.Getenv(signerKeyEnv))
	if key == "" {
		return out, nil
	}
	signer, err := signature.NewSigner(key)
	if err != nil {
		return output{}, fmt.Errorf("%s: %w", signerKeyEnv, err)
	}
	sig, err := signer.SignDigest(digest)
	if err != nil {
		return output{}, err
	}
	out.Signer = signer.Address().Hex()
	out.Signature = hexutil.Encode(sig)
	return out, nil
}

func parseAddresses(in map[string]string) (map[string]common.Address, error) {
	out := make(map[string]common.Address, len(in))
	for name, raw := range in {
		raw = strings.TrimSpace(raw)
		if !common.IsHexAddress(raw) {
			return nil, fmt.Errorf("-%s must be a hex address, got %q", name, raw)
		}
		out[name] = common.HexToAddress(raw)
	}
	return out, nil
}

func parseHash(raw string) (common.Hash, error) {
	b, err := hexutil.Decode(strings.TrimSpace(raw))
	if err != nil {
		return common.Hash{}, fmt.Errorf("hash: %w", err)
	}
	if len(b) != common.HashLength {
		return common.Hash{}, errors.New("hash must be 32 bytes")
	}
	return common.BytesToHash(b), nil
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: digest create-farm|divest|recover [flags]")
	os.Exit(2)
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}
