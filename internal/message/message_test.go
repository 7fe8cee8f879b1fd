package message_test

import (
	"errors"
	"fmt"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"basegraph.app/scheduler/internal/environment"
	"basegraph.app/scheduler/internal/message"
	"basegraph.app/scheduler/internal/model"
)

type payload struct{}

var _ = Describe("Request", func() {
	It("accepts a request carrying the payload of its kind", func() {
		Expect(message.StatusRequest[payload](message.StatusQuery{Kind: message.StatusGeneral}).Validate()).To(Succeed())
		Expect(message.SchedulingRequest(payload{}).Validate()).To(Succeed())
		Expect(message.TimeRequest[payload](message.TimeQuery{Kind: message.TimePeriods}).Validate()).To(Succeed())
	})

	It("rejects a request without its payload", func() {
		req := message.Request[payload]{Kind: message.KindResources}
		Expect(errors.Is(req.Validate(), environment.ErrInvalidRequest)).To(BeTrue())
	})

	It("rejects unknown kinds", func() {
		req := message.Request[payload]{Kind: message.Kind("reset")}
		Expect(req.Validate()).To(MatchError(ContainSubstring("reset")))
	})
})

var _ = Describe("Collect", func() {
	It("accepts only when every item was accepted", func() {
		ok := message.AcceptedWorkOrder(1)
		bad := message.RejectedWorkOrder(2, fmt.Errorf("period 9: %w", environment.ErrCapacityExceeded))

		Expect(message.Collect(ok, ok).Accepted).To(BeTrue())
		res := message.Collect(ok, bad)
		Expect(res.Accepted).To(BeFalse())
		Expect(res.Items[1].Error).To(Equal("capacity_exceeded"))
		Expect(res.Items[1].Detail).To(ContainSubstring("period 9"))
	})

	It("does not accept an empty result", func() {
		Expect(message.Collect().Accepted).To(BeFalse())
	})
})

var _ = Describe("NewLoadingEntry", func() {
	It("leaves the percentage out when the capacity is zero", func() {
		e := message.NewLoadingEntry(model.Resource("MTN-MECH"), 4, 0)
		Expect(e.Percentage).To(BeNil())

		e = message.NewLoadingEntry(model.Resource("MTN-MECH"), 4, 8)
		Expect(*e.Percentage).To(BeNumerically("~", 50, 1e-9))
	})
})
