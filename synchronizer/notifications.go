package synchronizer

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	natsutil "github.com/kthomas/go-natsutil"
	"github.com/provideplatform/unirep/common"
	"github.com/provideplatform/unirep/state"
)

const notificationSyncCompleted = "sync.completed"

var notificationEvents = map[string]string{
	state.EventUserSignedUp:                 "user.signed_up",
	state.EventEpochKeyProofSubmitted:       "proof.epoch_key",
	state.EventSignUpProofSubmitted:         "proof.sign_up",
	state.EventReputationNullifierSubmitted: "proof.reputation",
	state.EventAttestationSubmitted:         "attestation.submitted",
	state.EventEpochEnded:                   "epoch.ended",
	state.EventUserStateTransitioned:        "user.transitioned",
}

// Notifier publishes state-change notifications
type Notifier interface {
	Notify(ctx context.Context, event string, payload interface{}) error
}

// NatsNotifier publishes notifications to jetstream subjects namespaced by contract
type NatsNotifier struct {
	prefix string
}

// NewNatsNotifier returns a notifier for the contract's subjects
func NewNatsNotifier(contractAddress string) *NatsNotifier {
	return &NatsNotifier{prefix: notificationsSubjectPrefix(contractAddress)}
}

// notificationsSubjectPrefix returns the pub/sub subject prefix for the contract
func notificationsSubjectPrefix(contractAddress string) string {
	return fmt.Sprintf("unirep.notification.%s", strings.ToLower(contractAddress))
}

// Subject returns a namespaced subject suitable for pub/sub subscriptions
func (n *NatsNotifier) Subject(event string) string {
	if event == "" {
		return n.prefix
	}
	return fmt.Sprintf("%s.%s", n.prefix, event)
}

// Notify broadcasts the event to its qualified subject
func (n *NatsNotifier) Notify(ctx context.Context, event string, payload interface{}) error {
	if event == "" {
		return fmt.Errorf("failed to dispatch notification on %s; empty event", n.prefix)
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	_, err = natsutil.NatsJetstreamPublish(n.Subject(event), raw)
	return err
}

// notification is the payload published for each processed event
type notification struct {
	Event        string          `json:"event"`
	CurrentEpoch uint64          `json:"current_epoch"`
	Position     state.Position  `json:"position"`
	TxHash       string          `json:"transaction_hash"`
	Applied      bool            `json:"applied"`
	Rejection    state.Rejection `json:"rejection,omitempty"`
}

func (s *Synchronizer) notify(ctx context.Context, processed []*state.ApplyResult) {
	for _, r := range processed {
		event, ok := notificationEvents[r.Event.Name()]
		if !ok {
			continue
		}
		if r.Rejected() {
			event += ".rejected"
		}

		s.dispatch(ctx, event, &notification{
			Event:        r.Event.Name(),
			CurrentEpoch: r.Epoch,
			Position:     r.Event.Position(),
			TxHash:       r.Event.Metadata().TxHash.Hex(),
			Applied:      r.Applied,
			Rejection:    r.Rejection,
		})
	}
}

// dispatch logs notification failures; they never fail a sync round
func (s *Synchronizer) dispatch(ctx context.Context, event string, payload interface{}) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.Notify(ctx, event, payload); err != nil {
		common.Log.Warningf("failed to dispatch %s notification; %s", event, err.Error())
	}
}
