package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/provideplatform/unirep/common"
	"github.com/provideplatform/unirep/crypto"
)

const defaultSnarkJSBinary = "snarkjs"

// SnarkJSProof is a groth16 proof as emitted by snarkjs; coordinates are decimal strings
// and points carry their projective z coordinate
type SnarkJSProof struct {
	PiA      []string   `json:"pi_a"`
	PiB      [][]string `json:"pi_b"`
	PiC      []string   `json:"pi_c"`
	Protocol string     `json:"protocol,omitempty"`
	Curve    string     `json:"curve,omitempty"`
}

// FormatProofForVerifierContract flattens a snarkjs proof into the 8-element layout
// accepted by the solidity verifier; the G2 coordinates are swapped
func FormatProofForVerifierContract(p *SnarkJSProof) ([]*big.Int, error) {
	if p == nil || len(p.PiA) < 2 || len(p.PiB) < 2 || len(p.PiB[0]) < 2 || len(p.PiB[1]) < 2 || len(p.PiC) < 2 {
		return nil, fmt.Errorf("malformed snarkjs proof")
	}

	raw := []string{
		p.PiA[0], p.PiA[1],
		p.PiB[0][1], p.PiB[0][0],
		p.PiB[1][1], p.PiB[1][0],
		p.PiC[0], p.PiC[1],
	}

	proof := make([]*big.Int, len(raw))
	for i := range raw {
		w, ok := new(big.Int).SetString(strings.TrimSpace(raw[i]), 10)
		if !ok || !IsProofWord(w) {
			return nil, fmt.Errorf("failed to parse snarkjs proof coordinate %d: %s", i, raw[i])
		}
		proof[i] = w
	}

	return proof, nil
}

// FormatProofForSnarkjsVerification is the inverse of FormatProofForVerifierContract
func FormatProofForSnarkjsVerification(proof []*big.Int) (*SnarkJSProof, error) {
	if len(proof) != ProofLength {
		return nil, fmt.Errorf("invalid proof length %d; expected %d", len(proof), ProofLength)
	}
	for i, w := range proof {
		if !IsProofWord(w) {
			return nil, fmt.Errorf("invalid proof word %d", i)
		}
	}

	return &SnarkJSProof{
		PiA: []string{proof[0].String(), proof[1].String(), "1"},
		PiB: [][]string{
			{proof[3].String(), proof[2].String()},
			{proof[5].String(), proof[4].String()},
			{"1", "0"},
		},
		PiC:      []string{proof[6].String(), proof[7].String(), "1"},
		Protocol: "groth16",
		Curve:    "bn128",
	}, nil
}

// SnarkJSCircuitProvider generates proofs by running snarkjs against the circuit's
// compiled wasm and zkey artifacts
type SnarkJSCircuitProvider struct {
	binary       string
	artifactsDir string
}

// InitSnarkJSCircuitProvider initializes and configures a new SnarkJSCircuitProvider instance
func InitSnarkJSCircuitProvider(binary, artifactsDir string) *SnarkJSCircuitProvider {
	if binary == "" {
		binary = defaultSnarkJSBinary
	}

	return &SnarkJSCircuitProvider{
		binary:       binary,
		artifactsDir: artifactsDir,
	}
}

func (p *SnarkJSCircuitProvider) artifacts(circuit string) (wasm, zkey string) {
	return filepath.Join(p.artifactsDir, circuit+".wasm"), filepath.Join(p.artifactsDir, circuit+".zkey")
}

// GenProof runs groth16 fullprove for the given circuit and inputs
func (p *SnarkJSCircuitProvider) GenProof(ctx context.Context, circuit string, inputs map[string]interface{}) ([]*big.Int, []crypto.Element, error) {
	if !IsCircuit(circuit) {
		return nil, nil, fmt.Errorf("%w: %s", ErrUnknownCircuit, circuit)
	}

	workdir, err := os.MkdirTemp("", "unirep-"+circuit+"-")
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create proving workdir; %s", err.Error())
	}
	defer os.RemoveAll(workdir)

	inputPath := filepath.Join(workdir, "input.json")
	proofPath := filepath.Join(workdir, "proof.json")
	publicPath := filepath.Join(workdir, "public.json")

	rawInputs, err := json.Marshal(inputs)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal %s circuit inputs; %s", circuit, err.Error())
	}

	err = os.WriteFile(inputPath, rawInputs, 0600)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to write %s circuit inputs; %s", circuit, err.Error())
	}

	wasm, zkey := p.artifacts(circuit)
	cmd := exec.CommandContext(ctx, p.binary, "groth16", "fullprove", inputPath, wasm, zkey, proofPath, publicPath)
	out, err := cmd.CombinedOutput()
	if err != nil {
		common.Log.Warningf("failed to generate %s proof using snarkjs; %s", circuit, string(out))
		return nil, nil, fmt.Errorf("failed to generate %s proof; %s", circuit, err.Error())
	}

	rawProof, err := os.ReadFile(proofPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read %s proof; %s", circuit, err.Error())
	}

	var snarkjsProof SnarkJSProof
	err = json.Unmarshal(rawProof, &snarkjsProof)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to unmarshal %s proof; %s", circuit, err.Error())
	}

	proof, err := FormatProofForVerifierContract(&snarkjsProof)
	if err != nil {
		return nil, nil, err
	}

	rawPublic, err := os.ReadFile(publicPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read %s public signals; %s", circuit, err.Error())
	}

	var publicSignals []crypto.Element
	err = json.Unmarshal(rawPublic, &publicSignals)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to unmarshal %s public signals; %s", circuit, err.Error())
	}

	common.Log.Debugf("generated %s proof with %d public signals", circuit, len(publicSignals))
	return proof, publicSignals, nil
}
