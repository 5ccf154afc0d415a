package user

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/provideplatform/unirep/crypto"
	"github.com/provideplatform/unirep/state"
	storeproviders "github.com/provideplatform/unirep/store/providers"
	"github.com/provideplatform/unirep/zkp/proofs"
	"github.com/provideplatform/unirep/zkp/providers"
)

// NonceUnused marks an unused reputation nullifier slot
const NonceUnused = -1

// ErrInvalidNonceList is returned when a reputation nonce list has the wrong length,
// a nonce out of range or a repeated nonce
var ErrInvalidNonceList = errors.New("invalid reputation nonce list")

// ErrInsufficientReputation is returned when the committed reputation cannot cover the
// spent nonces plus the minimum reputation proven
var ErrInsufficientReputation = errors.New("insufficient reputation")

// ErrInvalidEpochKeyNonce is returned for an epoch key nonce outside the configured range
var ErrInvalidEpochKeyNonce = errors.New("invalid epoch key nonce")

func str(el crypto.Element) string {
	return el.String()
}

func strs(els []crypto.Element) []string {
	out := make([]string, len(els))
	for i := range els {
		out[i] = els[i].String()
	}
	return out
}

// pathElements renders path siblings as single-element arrays, one per level
func pathElements(path *storeproviders.MerklePath) [][]string {
	out := make([][]string, len(path.PathElements))
	for i := range path.PathElements {
		out[i] = []string{path.PathElements[i].String()}
	}
	return out
}

func pathIndices(path *storeproviders.MerklePath) []uint8 {
	return append([]uint8{}, path.PathIndices...)
}

func (u *UserState) checkEpochKeyNonce(nonce uint64) error {
	if nonce >= uint64(u.settings.NumEpochKeyNoncePerEpoch) {
		return fmt.Errorf("%w: %d", ErrInvalidEpochKeyNonce, nonce)
	}
	return nil
}

// gstMembership returns the current epoch's GST root and the path of the user's leaf
func (u *UserState) gstMembership() (crypto.Element, *storeproviders.MerklePath, error) {
	if err := u.requireCurrentEpoch(); err != nil {
		return crypto.Zero, nil, err
	}

	tree, err := u.unirepState.GenGSTree(u.latestTransitionedEpoch)
	if err != nil {
		return crypto.Zero, nil, err
	}

	path, err := tree.Path(u.latestGSTLeafIndex)
	if err != nil {
		return crypto.Zero, nil, err
	}
	return tree.Root(), path, nil
}

// GenVerifyEpochKeyInputs builds the verifyEpochKey circuit inputs
func (u *UserState) GenVerifyEpochKeyInputs(epochKeyNonce uint64) (map[string]interface{}, error) {
	if err := u.checkEpochKeyNonce(epochKeyNonce); err != nil {
		return nil, err
	}

	root, path, err := u.gstMembership()
	if err != nil {
		return nil, err
	}

	ust, err := u.GenUserStateTree()
	if err != nil {
		return nil, err
	}

	epoch := u.latestTransitionedEpoch
	return map[string]interface{}{
		"GST_path_elements":  pathElements(path),
		"GST_path_index":     pathIndices(path),
		"GST_root":           str(root),
		"identity_nullifier": str(u.id.Nullifier),
		"identity_trapdoor":  str(u.id.Trapdoor),
		"user_tree_root":     str(ust.Root()),
		"nonce":              epochKeyNonce,
		"epoch":              epoch,
		"epoch_key":          str(crypto.GenEpochKey(u.id.Nullifier, epoch, epochKeyNonce, u.settings.EpochTreeDepth)),
	}, nil
}

// ValidateNonceList checks a reputation nonce list and returns the used nonces in slot order
func (u *UserState) ValidateNonceList(nonceList []int) ([]uint64, error) {
	budget := u.settings.MaxReputationBudget
	if len(nonceList) != budget {
		return nil, fmt.Errorf("%w: expected %d slots, got %d", ErrInvalidNonceList, budget, len(nonceList))
	}

	used := make([]uint64, 0, budget)
	seen := map[int]struct{}{}
	for _, nonce := range nonceList {
		if nonce == NonceUnused {
			continue
		}
		if nonce < 0 || nonce >= budget {
			return nil, fmt.Errorf("%w: nonce %d out of range", ErrInvalidNonceList, nonce)
		}
		if _, dup := seen[nonce]; dup {
			return nil, fmt.Errorf("%w: nonce %d used twice", ErrInvalidNonceList, nonce)
		}
		seen[nonce] = struct{}{}
		used = append(used, uint64(nonce))
	}
	return used, nil
}

// GenProveReputationInputs builds the proveReputation circuit inputs; each used slot of
// nonceList spends one reputation nullifier
func (u *UserState) GenProveReputationInputs(attesterID, epochKeyNonce, minRep uint64, proveGraffiti bool, graffitiPreImage crypto.Element, nonceList []int) (map[string]interface{}, error) {
	if err := u.checkEpochKeyNonce(epochKeyNonce); err != nil {
		return nil, err
	}
	if attesterID == 0 || attesterID >= 1<<u.settings.UserStateTreeDepth {
		return nil, fmt.Errorf("invalid attester id %d", attesterID)
	}

	used, err := u.ValidateNonceList(nonceList)
	if err != nil {
		return nil, err
	}

	root, path, err := u.gstMembership()
	if err != nil {
		return nil, err
	}

	epoch := u.latestTransitionedEpoch
	rep := u.GetRepByAttester(attesterID)

	net := rep.NetRep()
	if net.Cmp(new(big.Int).SetUint64(minRep)) < 0 {
		return nil, fmt.Errorf("%w: attester %d net reputation %s below minimum %d", ErrInsufficientReputation, attesterID, net, minRep)
	}
	// a spent nonce must be below the net reputation, so spending n nullifiers needs net >= n
	for _, nonce := range used {
		if net.Cmp(new(big.Int).SetUint64(nonce)) <= 0 {
			return nil, fmt.Errorf("%w: attester %d net reputation %s cannot cover reputation nonce %d", ErrInsufficientReputation, attesterID, net, nonce)
		}
	}

	if proveGraffiti && crypto.HashOne(graffitiPreImage) != rep.Graffiti {
		return nil, state.ErrGraffitiPreImageMismatch
	}

	for _, nonce := range used {
		n := crypto.GenReputationNullifier(u.id.Nullifier, epoch, nonce, attesterID)
		if u.NullifierExist(n) {
			return nil, fmt.Errorf("%w: reputation nonce %d already spent in epoch %d", ErrInvalidNonceList, nonce, epoch)
		}
	}

	ust, err := u.GenUserStateTree()
	if err != nil {
		return nil, err
	}
	ustPath, err := ust.Path(crypto.ElementFromUint64(attesterID))
	if err != nil {
		return nil, err
	}

	selectors := make([]int, len(nonceList))
	repNonces := make([]int, len(nonceList))
	for i, nonce := range nonceList {
		if nonce != NonceUnused {
			selectors[i] = 1
			repNonces[i] = nonce
		}
	}

	proveGraffitiFlag := 0
	if proveGraffiti {
		proveGraffitiFlag = 1
	}

	return map[string]interface{}{
		"epoch":                 epoch,
		"epoch_key_nonce":       epochKeyNonce,
		"epoch_key":             str(crypto.GenEpochKey(u.id.Nullifier, epoch, epochKeyNonce, u.settings.EpochTreeDepth)),
		"GST_path_elements":     pathElements(path),
		"GST_path_index":        pathIndices(path),
		"GST_root":              str(root),
		"identity_nullifier":    str(u.id.Nullifier),
		"identity_trapdoor":     str(u.id.Trapdoor),
		"user_tree_root":        str(ust.Root()),
		"attester_id":           attesterID,
		"pos_rep":               str(rep.PosRep),
		"neg_rep":               str(rep.NegRep),
		"graffiti":              str(rep.Graffiti),
		"sign_up":               str(rep.SignUp),
		"UST_path_elements":     pathElements(ustPath),
		"rep_nullifiers_amount": len(used),
		"selectors":             selectors,
		"rep_nonce":             repNonces,
		"min_rep":               minRep,
		"prove_graffiti":        proveGraffitiFlag,
		"graffiti_pre_image":    str(graffitiPreImage),
	}, nil
}

// GenProveUserSignUpInputs builds the proveUserSignUp circuit inputs
func (u *UserState) GenProveUserSignUpInputs(attesterID, epochKeyNonce uint64) (map[string]interface{}, error) {
	if err := u.checkEpochKeyNonce(epochKeyNonce); err != nil {
		return nil, err
	}
	if attesterID == 0 || attesterID >= 1<<u.settings.UserStateTreeDepth {
		return nil, fmt.Errorf("invalid attester id %d", attesterID)
	}

	root, path, err := u.gstMembership()
	if err != nil {
		return nil, err
	}

	ust, err := u.GenUserStateTree()
	if err != nil {
		return nil, err
	}
	ustPath, err := ust.Path(crypto.ElementFromUint64(attesterID))
	if err != nil {
		return nil, err
	}

	epoch := u.latestTransitionedEpoch
	rep := u.GetRepByAttester(attesterID)
	return map[string]interface{}{
		"epoch":              epoch,
		"epoch_key":          str(crypto.GenEpochKey(u.id.Nullifier, epoch, epochKeyNonce, u.settings.EpochTreeDepth)),
		"GST_path_elements":  pathElements(path),
		"GST_path_index":     pathIndices(path),
		"GST_root":           str(root),
		"identity_nullifier": str(u.id.Nullifier),
		"identity_trapdoor":  str(u.id.Trapdoor),
		"user_tree_root":     str(ust.Root()),
		"attester_id":        attesterID,
		"pos_rep":            str(rep.PosRep),
		"neg_rep":            str(rep.NegRep),
		"graffiti":           str(rep.Graffiti),
		"sign_up":            str(rep.SignUp),
		"UST_path_elements":  pathElements(ustPath),
	}, nil
}

// GenUserStateTransitionInputs builds the userStateTransition circuit inputs moving the user
// state from latestTransitionedEpoch into the current epoch
func (u *UserState) GenUserStateTransitionInputs() (map[string]interface{}, error) {
	leaves, newLeaf, err := u.GenNewUserStateAfterTransition()
	if err != nil {
		return nil, err
	}

	fromEpoch := u.latestTransitionedEpoch
	gst, err := u.unirepState.GenGSTree(fromEpoch)
	if err != nil {
		return nil, err
	}
	gstPath, err := gst.Path(u.latestGSTLeafIndex)
	if err != nil {
		return nil, err
	}

	epochTree, err := u.unirepState.GenEpochTree(fromEpoch)
	if err != nil {
		return nil, err
	}

	fromUST, err := u.GenUserStateTree()
	if err != nil {
		return nil, err
	}
	toUST, err := u.userStateTree(leaves)
	if err != nil {
		return nil, err
	}

	n := u.settings.NumEpochKeyNoncePerEpoch
	epochKeys := u.GetEpochKeys(fromEpoch)
	nullifiers := make([]crypto.Element, n)
	hashChains := make([]crypto.Element, n)
	blindedHashChains := make([]crypto.Element, n)
	epochKeyPaths := make([][][]string, n)
	for nonce := 0; nonce < n; nonce++ {
		nullifiers[nonce] = crypto.GenEpochKeyNullifier(u.id.Nullifier, fromEpoch, uint64(nonce))

		chain := state.HashChain(u.unirepState.GetAttestationsInEpoch(fromEpoch, epochKeys[nonce]))
		hashChains[nonce] = crypto.SealHashChain(chain)
		blindedHashChains[nonce] = crypto.Hash5(u.id.Nullifier, chain, crypto.ElementFromUint64(fromEpoch), crypto.ElementFromUint64(uint64(nonce)), crypto.Zero)

		path, err := epochTree.Path(epochKeys[nonce])
		if err != nil {
			return nil, err
		}
		epochKeyPaths[nonce] = pathElements(path)
	}

	blindedUserStates := []crypto.Element{
		crypto.Hash5(u.id.Nullifier, fromUST.Root(), crypto.ElementFromUint64(fromEpoch), crypto.Zero, crypto.Zero),
		crypto.Hash5(u.id.Nullifier, toUST.Root(), crypto.ElementFromUint64(fromEpoch), crypto.ElementFromUint64(uint64(n-1)), crypto.Zero),
	}

	return map[string]interface{}{
		"epoch":                 fromEpoch,
		"identity_nullifier":    str(u.id.Nullifier),
		"identity_trapdoor":     str(u.id.Trapdoor),
		"GST_path_elements":     pathElements(gstPath),
		"GST_path_index":        pathIndices(gstPath),
		"GST_root":              str(gst.Root()),
		"user_tree_root":        str(fromUST.Root()),
		"new_user_tree_root":    str(toUST.Root()),
		"new_GST_leaf":          str(newLeaf),
		"epk_nullifiers":        strs(nullifiers),
		"hash_chain_results":    strs(hashChains),
		"blinded_hash_chains":   strs(blindedHashChains),
		"blinded_user_states":   strs(blindedUserStates),
		"epk_path_elements":     epochKeyPaths,
		"epoch_tree_root":       str(epochTree.Root()),
		"start_epoch_key_nonce": 0,
		"end_epoch_key_nonce":   n - 1,
	}, nil
}

func (u *UserState) prove(ctx context.Context, prover providers.Prover, circuit string, inputs map[string]interface{}) (proof []*big.Int, publicSignals []crypto.Element, err error) {
	if prover == nil {
		return nil, nil, errors.New("nil prover")
	}
	proof, publicSignals, err = prover.GenProof(ctx, circuit, inputs)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate %s proof; %w", circuit, err)
	}
	return proof, publicSignals, nil
}

// GenVerifyEpochKeyProof proves ownership of the epoch key of the given nonce
func (u *UserState) GenVerifyEpochKeyProof(ctx context.Context, prover providers.Prover, epochKeyNonce uint64) (*proofs.EpochKeyProof, error) {
	inputs, err := u.GenVerifyEpochKeyInputs(epochKeyNonce)
	if err != nil {
		return nil, err
	}
	proof, signals, err := u.prove(ctx, prover, providers.CircuitVerifyEpochKey, inputs)
	if err != nil {
		return nil, err
	}
	return proofs.NewEpochKeyProof(u.settings, signals, proof)
}

// GenProveReputationProof proves reputation from the attester and spends the nonces of nonceList
func (u *UserState) GenProveReputationProof(ctx context.Context, prover providers.Prover, attesterID, epochKeyNonce, minRep uint64, proveGraffiti bool, graffitiPreImage crypto.Element, nonceList []int) (*proofs.ReputationProof, error) {
	inputs, err := u.GenProveReputationInputs(attesterID, epochKeyNonce, minRep, proveGraffiti, graffitiPreImage, nonceList)
	if err != nil {
		return nil, err
	}
	proof, signals, err := u.prove(ctx, prover, providers.CircuitProveReputation, inputs)
	if err != nil {
		return nil, err
	}
	return proofs.NewReputationProof(u.settings, signals, proof)
}

// GenUserSignUpProof proves the user signed up through the attester
func (u *UserState) GenUserSignUpProof(ctx context.Context, prover providers.Prover, attesterID, epochKeyNonce uint64) (*proofs.SignUpProof, error) {
	inputs, err := u.GenProveUserSignUpInputs(attesterID, epochKeyNonce)
	if err != nil {
		return nil, err
	}
	proof, signals, err := u.prove(ctx, prover, providers.CircuitProveUserSignUp, inputs)
	if err != nil {
		return nil, err
	}
	return proofs.NewSignUpProof(u.settings, signals, proof)
}

// GenUserStateTransitionProof proves the transition of the user state into the current epoch
func (u *UserState) GenUserStateTransitionProof(ctx context.Context, prover providers.Prover) (*proofs.UserTransitionProof, error) {
	inputs, err := u.GenUserStateTransitionInputs()
	if err != nil {
		return nil, err
	}
	proof, signals, err := u.prove(ctx, prover, providers.CircuitUserStateTransition, inputs)
	if err != nil {
		return nil, err
	}
	return proofs.NewUserTransitionProof(u.settings, signals, proof)
}
