package store_test

import (
	"context"
	"errors"

	"github.com/google/uuid"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/tradelab/paramopt/internal/config"
	st "github.com/tradelab/paramopt/internal/store"
	"github.com/tradelab/paramopt/internal/store/model"
)

var _ = Describe("progress store", Ordered, func() {
	var store st.Store

	BeforeAll(func() {
		db, err := st.InitDB(config.NewDefault())
		Expect(err).To(BeNil())
		store = st.NewStore(db)
		Expect(store.InitialMigration(context.TODO())).To(Succeed())
	})

	AfterAll(func() {
		store.Close()
	})

	It("returns not found before the first snapshot", func() {
		_, err := store.Progress().Get(context.TODO(), uuid.New())
		Expect(errors.Is(err, st.ErrRecordNotFound)).To(BeTrue())
	})

	It("keeps a single row per job", func() {
		jobID := uuid.New()
		Expect(store.Progress().Upsert(context.TODO(), model.ProgressSnapshot{
			JobID: jobID, OverallPercentage: 10, StepName: "data_preparation", StepIndex: 1, TotalSteps: 4,
		})).To(Succeed())

		best := 2.5
		Expect(store.Progress().Upsert(context.TODO(), model.ProgressSnapshot{
			JobID: jobID, OverallPercentage: 40, StepName: "optimization", StepIndex: 2, TotalSteps: 4,
			BestScoreSoFar: &best,
		})).To(Succeed())

		got, err := store.Progress().Get(context.TODO(), jobID)
		Expect(err).To(BeNil())
		Expect(got.OverallPercentage).To(Equal(40.0))
		Expect(got.StepName).To(Equal("optimization"))
		Expect(*got.BestScoreSoFar).To(Equal(2.5))
	})
})
