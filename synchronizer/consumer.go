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

package synchronizer

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	natsutil "github.com/kthomas/go-natsutil"
	"github.com/nats-io/nats.go"
	"github.com/provideplatform/unirep/common"
)

const defaultNatsStream = "unirep"

const natsSyncCompleteSubject = "unirep.sync.complete"
const natsSyncFailedSubject = "unirep.sync.failed"

const natsSyncRequestedSubject = "unirep.sync.requested"
const natsSyncRequestedMaxInFlight = 32
const syncRequestAckWait = time.Minute * 5
const syncRequestMaxDeliveries = 5

// syncRequest is the optional body of a sync request message
type syncRequest struct {
	ContractAddress string `json:"contract_address"`
}

// RequireNatsSubscriptions subscribes the synchronizer to sync requests, unless the
// environment disables NATS streaming subscriptions
func (s *Synchronizer) RequireNatsSubscriptions(wg *sync.WaitGroup) {
	if !common.ConsumeNATSStreamingSubscriptions {
		common.Log.Debug("synchronizer configured to skip NATS streaming subscription setup")
		return
	}

	natsutil.EstablishSharedNatsConnection(nil)
	natsutil.NatsCreateStream(defaultNatsStream, []string{
		fmt.Sprintf("%s.>", defaultNatsStream),
	})

	for i := uint64(0); i < natsutil.GetNatsConsumerConcurrency(); i++ {
		natsutil.RequireNatsJetstreamSubscription(wg,
			syncRequestAckWait,
			natsSyncRequestedSubject,
			natsSyncRequestedSubject,
			natsSyncRequestedSubject,
			s.consumeSyncRequestMsg,
			syncRequestAckWait,
			natsSyncRequestedMaxInFlight,
			syncRequestMaxDeliveries,
			nil,
		)
	}
}

func (s *Synchronizer) consumeSyncRequestMsg(msg *nats.Msg) {
	defer func() {
		if r := recover(); r != nil {
			common.Log.Warningf("recovered during unirep sync request; %s", r)
			msg.Nak()
		}
	}()

	common.Log.Debugf("consuming %d-byte NATS sync request message on subject: %s", len(msg.Data), msg.Subject)

	result, err := s.handleSyncRequest(msg.Data)
	if err != nil {
		common.Log.Warningf("failed to handle unirep sync request; %s", err.Error())
		natsutil.NatsJetstreamPublish(natsSyncFailedSubject, msg.Data)
		msg.Nak()
		return
	}

	if result != nil {
		payload, _ := json.Marshal(result)
		natsutil.NatsJetstreamPublish(natsSyncCompleteSubject, payload)
	}
	msg.Ack()
}

// handleSyncRequest runs one sync round; requests addressed to another contract return
// a nil result
func (s *Synchronizer) handleSyncRequest(data []byte) (*Result, error) {
	req := &syncRequest{}
	if len(data) > 0 {
		if err := json.Unmarshal(data, req); err != nil {
			return nil, fmt.Errorf("failed to unmarshal sync request; %s", err.Error())
		}
	}

	if req.ContractAddress != "" && !strings.EqualFold(req.ContractAddress, s.config.ContractAddress) {
		common.Log.Debugf("ignoring sync request for unirep contract %s", req.ContractAddress)
		return nil, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), syncRequestAckWait)
	defer cancel()

	return s.SyncOnce(ctx)
}
