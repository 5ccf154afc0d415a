/*
 * Copyright 2017-2022 Provide Technologies Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package state

import (
	"strconv"

	"github.com/gin-gonic/gin"
	provide "github.com/provideplatform/provide-go/common"
	"github.com/provideplatform/unirep/crypto"
)

// InstallAPI registers the read-only unirep state API handlers with gin
func InstallAPI(r *gin.Engine, s *UnirepState) {
	r.GET("/api/v1/state", stateHandler(s))
	r.GET("/api/v1/epochs/:epoch/roots/:root", gstRootHandler(s))
	r.GET("/api/v1/epochs/:epoch/epoch_tree/root", epochTreeRootHandler(s))
	r.GET("/api/v1/epochs/:epoch/gst/leaves", gstLeavesHandler(s))
	r.GET("/api/v1/epoch_keys/:epoch_key/attestations", attestationsHandler(s))
	r.GET("/api/v1/nullifiers/:nullifier", nullifierHandler(s))
	r.GET("/api/v1/proofs/:index", proofHandler(s))
}

func parseEpoch(c *gin.Context) (uint64, bool) {
	epoch, err := strconv.ParseUint(c.Param("epoch"), 10, 64)
	if err != nil || epoch == 0 {
		provide.RenderError("invalid epoch", 400, c)
		return 0, false
	}
	return epoch, true
}

func parseElement(c *gin.Context, param string) (crypto.Element, bool) {
	el, err := crypto.ParseElement(c.Param(param))
	if err != nil {
		provide.RenderError(err.Error(), 400, c)
		return crypto.Zero, false
	}
	return el, true
}

func stateHandler(s *UnirepState) gin.HandlerFunc {
	return func(c *gin.Context) {
		provide.Render(s.Snapshot(), 200, c)
	}
}

func gstRootHandler(s *UnirepState) gin.HandlerFunc {
	return func(c *gin.Context) {
		epoch, ok := parseEpoch(c)
		if !ok {
			return
		}
		root, ok := parseElement(c, "root")
		if !ok {
			return
		}

		provide.Render(map[string]interface{}{
			"epoch":  epoch,
			"root":   root,
			"exists": s.GSTRootExists(root, epoch),
		}, 200, c)
	}
}

func epochTreeRootHandler(s *UnirepState) gin.HandlerFunc {
	return func(c *gin.Context) {
		epoch, ok := parseEpoch(c)
		if !ok {
			return
		}

		tree, err := s.GenEpochTree(epoch)
		if err != nil {
			provide.RenderError(err.Error(), 404, c)
			return
		}

		provide.Render(map[string]interface{}{
			"epoch": epoch,
			"root":  tree.Root(),
		}, 200, c)
	}
}

func gstLeavesHandler(s *UnirepState) gin.HandlerFunc {
	return func(c *gin.Context) {
		epoch, ok := parseEpoch(c)
		if !ok {
			return
		}
		if epoch > s.CurrentEpoch() {
			provide.RenderError("epoch not found", 404, c)
			return
		}

		provide.Render(map[string]interface{}{
			"epoch":   epoch,
			"leaves":  s.GetGSTLeaves(epoch),
			"history": s.GSTRootHistory(epoch),
		}, 200, c)
	}
}

func attestationsHandler(s *UnirepState) gin.HandlerFunc {
	return func(c *gin.Context) {
		epochKey, ok := parseElement(c, "epoch_key")
		if !ok {
			return
		}

		epoch := s.CurrentEpoch()
		if c.Query("epoch") != "" {
			epoch, ok = parseQueryEpoch(c)
			if !ok {
				return
			}
		}

		provide.Render(s.GetAttestationsInEpoch(epoch, epochKey), 200, c)
	}
}

func parseQueryEpoch(c *gin.Context) (uint64, bool) {
	epoch, err := strconv.ParseUint(c.Query("epoch"), 10, 64)
	if err != nil || epoch == 0 {
		provide.RenderError("invalid epoch", 400, c)
		return 0, false
	}
	return epoch, true
}

func nullifierHandler(s *UnirepState) gin.HandlerFunc {
	return func(c *gin.Context) {
		nullifier, ok := parseElement(c, "nullifier")
		if !ok {
			return
		}

		provide.Render(map[string]interface{}{
			"nullifier": nullifier,
			"spent":     s.NullifierExist(nullifier),
		}, 200, c)
	}
}

func proofHandler(s *UnirepState) gin.HandlerFunc {
	return func(c *gin.Context) {
		index, err := strconv.ParseUint(c.Param("index"), 10, 64)
		if err != nil {
			provide.RenderError("invalid proof index", 400, c)
			return
		}

		rec, ok := s.GetProof(index)
		if !ok {
			provide.RenderError("proof not found", 404, c)
			return
		}

		provide.Render(rec, 200, c)
	}
}
