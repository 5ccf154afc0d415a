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

package store

import (
	"errors"

	"github.com/gin-gonic/gin"
	provide "github.com/provideplatform/provide-go/common"
)

// InstallAPI registers the checkpoint API handlers with gin
func InstallAPI(r *gin.Engine, checkpoints CheckpointStore) {
	r.GET("/api/v1/checkpoints/:contract_address/latest", latestCheckpointHandler(checkpoints))
}

func latestCheckpointHandler(checkpoints CheckpointStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		checkpoint, err := checkpoints.LatestCheckpoint(c.Request.Context(), c.Param("contract_address"))
		if errors.Is(err, ErrNoCheckpoint) {
			provide.RenderError("checkpoint not found", 404, c)
			return
		} else if err != nil {
			provide.RenderError(err.Error(), 500, c)
			return
		}

		provide.Render(checkpoint, 200, c)
	}
}
