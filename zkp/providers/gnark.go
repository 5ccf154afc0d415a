package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/consensys/gnark-crypto/ecc"
	curve "github.com/consensys/gnark-crypto/ecc/bn254"
	"github.com/consensys/gnark-crypto/ecc/bn254/fp"
	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
	"github.com/consensys/gnark/backend/groth16"
	groth16_bn254 "github.com/consensys/gnark/backend/groth16/bn254"
	"github.com/provideplatform/unirep/common"
	"github.com/provideplatform/unirep/crypto"
)

// SnarkJSVerifyingKey is a groth16 verifying key as exported by snarkjs
type SnarkJSVerifyingKey struct {
	Protocol string     `json:"protocol"`
	Curve    string     `json:"curve"`
	NPublic  int        `json:"nPublic"`
	Alpha1   []string   `json:"vk_alpha_1"`
	Beta2    [][]string `json:"vk_beta_2"`
	Gamma2   [][]string `json:"vk_gamma_2"`
	Delta2   [][]string `json:"vk_delta_2"`
	IC       [][]string `json:"IC"`
}

// GnarkCircuitProvider verifies circom groth16 proofs over bn254 with gnark
type GnarkCircuitProvider struct {
	curveID       ecc.ID
	mutex         sync.RWMutex
	verifyingKeys map[string]*groth16_bn254.VerifyingKey
}

// InitGnarkCircuitProvider initializes and configures a new GnarkCircuitProvider instance;
// the curve defaults to bn254
func InitGnarkCircuitProvider(curveID *string) (*GnarkCircuitProvider, error) {
	id := ecc.BN254
	if curveID != nil {
		id = common.GnarkCurveIDFactory(curveID)
	}
	if id != ecc.BN254 {
		return nil, fmt.Errorf("unsupported curve: %s", id.String())
	}

	return &GnarkCircuitProvider{
		curveID:       id,
		verifyingKeys: map[string]*groth16_bn254.VerifyingKey{},
	}, nil
}

// LoadVerifyingKeys loads <circuit>.vkey.json (snarkjs) or <circuit>.vk (gnark binary)
// from dir for every circuit; every circuit must have a key
func (p *GnarkCircuitProvider) LoadVerifyingKeys(dir string) error {
	missing := make([]string, 0)
	for _, circuit := range Circuits {
		jsonPath := filepath.Join(dir, circuit+".vkey.json")
		binPath := filepath.Join(dir, circuit+".vk")

		if raw, err := os.ReadFile(jsonPath); err == nil {
			if err := p.AddSnarkJSVerifyingKey(circuit, raw); err != nil {
				return err
			}
			continue
		}

		if raw, err := os.ReadFile(binPath); err == nil {
			if err := p.AddVerifyingKey(circuit, raw); err != nil {
				return err
			}
			continue
		}

		missing = append(missing, circuit)
	}

	if len(missing) > 0 {
		return fmt.Errorf("%w: no key for %s in %s", ErrMissingVerifyingKey, strings.Join(missing, ", "), dir)
	}
	return nil
}

// AddVerifyingKey registers a gnark-serialized verifying key for the circuit
func (p *GnarkCircuitProvider) AddVerifyingKey(circuit string, raw []byte) error {
	if !IsCircuit(circuit) {
		return fmt.Errorf("%w: %s", ErrUnknownCircuit, circuit)
	}

	vk := groth16.NewVerifyingKey(p.curveID)
	n, err := vk.ReadFrom(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("unable to decode verifying key; %s", err.Error())
	}

	bn254vk, ok := vk.(*groth16_bn254.VerifyingKey)
	if !ok {
		return fmt.Errorf("unable to decode verifying key; unexpected type %T", vk)
	}

	common.Log.Debugf("read %d bytes during %s verifying key deserialization", n, circuit)

	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.verifyingKeys[circuit] = bn254vk
	return nil
}

// AddSnarkJSVerifyingKey registers a snarkjs verification_key.json for the circuit
func (p *GnarkCircuitProvider) AddSnarkJSVerifyingKey(circuit string, raw []byte) error {
	if !IsCircuit(circuit) {
		return fmt.Errorf("%w: %s", ErrUnknownCircuit, circuit)
	}

	var svk SnarkJSVerifyingKey
	err := json.Unmarshal(raw, &svk)
	if err != nil {
		return fmt.Errorf("unable to decode snarkjs verifying key; %s", err.Error())
	}

	vk, err := decodeSnarkJSVerifyingKey(&svk)
	if err != nil {
		return fmt.Errorf("unable to decode %s snarkjs verifying key; %s", circuit, err.Error())
	}

	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.verifyingKeys[circuit] = vk
	return nil
}

// Verify the given proof against the circuit's verifying key; a proof which does not
// decode to valid curve points is reported as invalid rather than as an error
func (p *GnarkCircuitProvider) Verify(ctx context.Context, circuit string, publicSignals []crypto.Element, proof []*big.Int) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	p.mutex.RLock()
	vk, ok := p.verifyingKeys[circuit]
	p.mutex.RUnlock()
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrMissingVerifyingKey, circuit)
	}

	if len(publicSignals) != len(vk.G1.K)-1 {
		return false, fmt.Errorf("invalid public signal count %d for %s circuit; expected %d", len(publicSignals), circuit, len(vk.G1.K)-1)
	}

	prf, err := decodeProof(proof)
	if err != nil {
		common.Log.Debugf("failed to decode %s proof; %s", circuit, err.Error())
		return false, nil
	}

	publicWitness := make(fr.Vector, len(publicSignals))
	for i := range publicSignals {
		publicWitness[i] = publicSignals[i].Fr()
	}

	err = groth16_bn254.Verify(prf, vk, publicWitness)
	if err != nil {
		common.Log.Debugf("%s proof failed verification; %s", circuit, err.Error())
		return false, nil
	}

	return true, nil
}

func decodeProof(proof []*big.Int) (*groth16_bn254.Proof, error) {
	if len(proof) != ProofLength {
		return nil, fmt.Errorf("invalid proof length %d; expected %d", len(proof), ProofLength)
	}
	for i, w := range proof {
		if w == nil || w.Sign() < 0 || w.Cmp(fp.Modulus()) >= 0 {
			return nil, fmt.Errorf("proof word %d is not a base field coordinate", i)
		}
	}

	var prf groth16_bn254.Proof
	setFp(&prf.Ar.X, proof[0])
	setFp(&prf.Ar.Y, proof[1])
	setFp(&prf.Bs.X.A1, proof[2])
	setFp(&prf.Bs.X.A0, proof[3])
	setFp(&prf.Bs.Y.A1, proof[4])
	setFp(&prf.Bs.Y.A0, proof[5])
	setFp(&prf.Krs.X, proof[6])
	setFp(&prf.Krs.Y, proof[7])

	if !prf.Ar.IsOnCurve() || !prf.Krs.IsOnCurve() || !prf.Bs.IsOnCurve() {
		return nil, fmt.Errorf("proof point not on curve")
	}

	return &prf, nil
}

func setFp(el *fp.Element, v *big.Int) {
	el.SetBigInt(v)
}

func parseCoordinate(s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(strings.TrimSpace(s), 10)
	if !ok || v.Sign() < 0 || v.Cmp(fp.Modulus()) >= 0 {
		return nil, fmt.Errorf("invalid base field coordinate: %s", s)
	}
	return v, nil
}

func decodeG1(coords []string) (curve.G1Affine, error) {
	var p curve.G1Affine
	if len(coords) < 2 {
		return p, fmt.Errorf("malformed G1 point")
	}

	x, err := parseCoordinate(coords[0])
	if err != nil {
		return p, err
	}
	y, err := parseCoordinate(coords[1])
	if err != nil {
		return p, err
	}

	p.X.SetBigInt(x)
	p.Y.SetBigInt(y)
	if !p.IsOnCurve() {
		return p, fmt.Errorf("G1 point not on curve")
	}
	return p, nil
}

func decodeG2(coords [][]string) (curve.G2Affine, error) {
	var p curve.G2Affine
	if len(coords) < 2 || len(coords[0]) < 2 || len(coords[1]) < 2 {
		return p, fmt.Errorf("malformed G2 point")
	}

	vals := make([]*big.Int, 4)
	for i, s := range []string{coords[0][0], coords[0][1], coords[1][0], coords[1][1]} {
		v, err := parseCoordinate(s)
		if err != nil {
			return p, err
		}
		vals[i] = v
	}

	p.X.A0.SetBigInt(vals[0])
	p.X.A1.SetBigInt(vals[1])
	p.Y.A0.SetBigInt(vals[2])
	p.Y.A1.SetBigInt(vals[3])
	if !p.IsOnCurve() {
		return p, fmt.Errorf("G2 point not on curve")
	}
	return p, nil
}

func decodeSnarkJSVerifyingKey(svk *SnarkJSVerifyingKey) (*groth16_bn254.VerifyingKey, error) {
	if svk.Protocol != "" && svk.Protocol != "groth16" {
		return nil, fmt.Errorf("unsupported protocol: %s", svk.Protocol)
	}

	if len(svk.IC) != svk.NPublic+1 {
		return nil, fmt.Errorf("invalid IC length %d for %d public signals", len(svk.IC), svk.NPublic)
	}

	var vk groth16_bn254.VerifyingKey
	var err error

	vk.G1.Alpha, err = decodeG1(svk.Alpha1)
	if err != nil {
		return nil, err
	}

	vk.G2.Beta, err = decodeG2(svk.Beta2)
	if err != nil {
		return nil, err
	}

	vk.G2.Gamma, err = decodeG2(svk.Gamma2)
	if err != nil {
		return nil, err
	}

	vk.G2.Delta, err = decodeG2(svk.Delta2)
	if err != nil {
		return nil, err
	}

	vk.G1.K = make([]curve.G1Affine, len(svk.IC))
	for i := range svk.IC {
		vk.G1.K[i], err = decodeG1(svk.IC[i])
		if err != nil {
			return nil, fmt.Errorf("invalid IC[%d]; %s", i, err.Error())
		}
	}

	err = vk.Precompute()
	if err != nil {
		return nil, err
	}

	return &vk, nil
}
