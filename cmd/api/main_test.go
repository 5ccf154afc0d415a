package main

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/gin-gonic/gin"
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
	"github.com/provideplatform/unirep/common"
	"github.com/provideplatform/unirep/store"
	"github.com/provideplatform/unirep/zkp/providers"
)

func TestAPI(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "unirep api suite")
}

var _ = Describe("main", func() {
	BeforeEach(func() {
		gin.SetMode(gin.TestMode)
	})

	Describe("statusHandler", func() {
		It("responds without content", func() {
			r := gin.New()
			r.GET("/status", statusHandler)

			w := httptest.NewRecorder()
			r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/status", nil))
			Expect(w.Code).To(Equal(http.StatusNoContent))
		})
	})

	Describe("requireCheckpointStore", func() {
		It("keeps checkpoints in memory without a database", func() {
			common.DatabaseConfigured = false
			Expect(requireCheckpointStore()).To(BeAssignableToTypeOf(&store.MemoryCheckpointStore{}))
		})
	})

	Describe("loadVerifier", func() {
		It("refuses to start without a verifying keys directory", func() {
			verifier, err := loadVerifier("")
			Expect(verifier).To(BeNil())
			Expect(errors.Is(err, providers.ErrMissingVerifyingKey)).To(BeTrue())
		})

		It("refuses to start when a circuit has no verifying key", func() {
			dir, err := os.MkdirTemp("", "unirep-vkeys")
			Expect(err).NotTo(HaveOccurred())
			defer os.RemoveAll(dir)

			_, err = loadVerifier(dir)
			Expect(errors.Is(err, providers.ErrMissingVerifyingKey)).To(BeTrue())
			Expect(err.Error()).To(ContainSubstring(providers.CircuitUserStateTransition))
		})
	})
})
