package billing

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fotopage_backend/internal/model"
	"fotopage_backend/pkg/plan"
	"fotopage_backend/pkg/reporting"
)

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// fakeStore keeps everything in memory and commits copies, so state only
// changes through Apply. With failApply set it errors before touching
// anything, which is what a transactional rollback looks like from outside.
type fakeStore struct {
	subs       map[string]*model.Subscription
	users      map[uint]*model.User
	logs       []*model.EventLog
	applyCalls int
	failApply  bool
	nextID     uint
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		subs:  make(map[string]*model.Subscription),
		users: make(map[uint]*model.User),
	}
}

func (f *fakeStore) SubscriptionByStripeID(_ context.Context, stripeSubID string) (*model.Subscription, error) {
	sub, ok := f.subs[stripeSubID]
	if !ok {
		return nil, ErrSubscriptionNotFound
	}
	cp := *sub
	return &cp, nil
}

func (f *fakeStore) UserByID(_ context.Context, id uint) (*model.User, error) {
	user, ok := f.users[id]
	if !ok {
		return nil, ErrUserNotFound
	}
	cp := *user
	return &cp, nil
}

func (f *fakeStore) Apply(_ context.Context, sub *model.Subscription, user *model.User) error {
	if f.failApply {
		return errors.New("store: connection reset")
	}
	f.applyCalls++
	if sub.ID == 0 {
		f.nextID++
		sub.ID = f.nextID
	}
	subCopy := *sub
	userCopy := *user
	f.subs[sub.StripeSubID] = &subCopy
	f.users[user.ID] = &userCopy
	return nil
}

func (f *fakeStore) LogUnresolved(_ context.Context, entry *model.EventLog) error {
	f.logs = append(f.logs, entry)
	return nil
}

func (f *fakeStore) addUser(id uint) {
	f.users[id] = &model.User{
		Email:         "user@example.com",
		Username:      "user",
		PlanID:        "start",
		UploadsLimit:  10,
		AccountStatus: model.SubStatusActive,
	}
	f.users[id].ID = id
}

type recordingReporter struct {
	entries []reporting.Entry
	fail    bool
}

func (r *recordingReporter) Append(_ context.Context, e reporting.Entry) error {
	if r.fail {
		return errors.New("sink unavailable")
	}
	r.entries = append(r.entries, e)
	return nil
}

func testCatalog(t *testing.T) *plan.Catalog {
	t.Helper()
	return plan.Default()
}

func testPrices(t *testing.T) *plan.PriceResolver {
	t.Helper()
	r, err := plan.NewPriceResolver([]plan.PriceBinding{
		{PriceID: "price_smart_m", PlanID: "smart"},
		{PriceID: "price_smart_y", PlanID: "smart", Yearly: true},
		{PriceID: "price_precision_m", PlanID: "precision"},
		{PriceID: "price_precision_y", PlanID: "precision", Yearly: true},
	})
	require.NoError(t, err)
	return r
}

func newTestReconciler(t *testing.T, store Store, reporter Reporter) *Reconciler {
	t.Helper()
	r := NewReconciler(testCatalog(t), testPrices(t), store, reporter)
	r.now = func() time.Time { return fixedNow }
	return r
}

func checkoutEvent(id string, data *CheckoutData) *Event {
	return &Event{ID: id, Type: "checkout.session.completed", Kind: KindCheckoutCompleted, Checkout: data}
}

func subscriptionEvent(id string, kind EventKind, data *SubscriptionData) *Event {
	eventType := "customer.subscription.updated"
	switch kind {
	case KindSubscriptionCreated:
		eventType = "customer.subscription.created"
	case KindSubscriptionDeleted:
		eventType = "customer.subscription.deleted"
	}
	return &Event{ID: id, Type: eventType, Kind: kind, Subscription: data}
}

func invoiceEvent(id string, kind EventKind, data *InvoiceData) *Event {
	eventType := "invoice.payment_succeeded"
	if kind == KindPaymentFailed {
		eventType = "invoice.payment_failed"
	}
	return &Event{ID: id, Type: eventType, Kind: kind, Invoice: data}
}

// seedActive installs an active smart subscription with some usage.
func seedActive(store *fakeStore) {
	store.addUser(1)
	store.users[1].PlanID = "smart"
	store.users[1].UploadsLimit = 50
	store.users[1].UploadsUsed = 7
	store.users[1].StripeSubID = "sub_1"

	sub := &model.Subscription{
		StripeSubID:        "sub_1",
		UserID:             1,
		PlanID:             "smart",
		StripeCustomerID:   "cus_1",
		Status:             model.SubStatusActive,
		CurrentPeriodStart: fixedNow.AddDate(0, 0, -15),
		CurrentPeriodEnd:   fixedNow.AddDate(0, 0, 15),
		LastEventID:        "evt_seed",
	}
	sub.ID = 100
	store.subs["sub_1"] = sub
	store.nextID = 100
}

func TestCheckoutCreatesSubscription(t *testing.T) {
	store := newFakeStore()
	store.addUser(42)
	reporter := &recordingReporter{}
	rec := newTestReconciler(t, store, reporter)

	outcome, err := rec.Process(context.Background(), checkoutEvent("evt_1", &CheckoutData{
		SubscriptionID: "sub_new",
		CustomerID:     "cus_42",
		UserRef:        "42",
		PlanID:         "smart",
	}))
	require.NoError(t, err)
	assert.True(t, outcome.Applied)

	sub := store.subs["sub_new"]
	require.NotNil(t, sub)
	assert.Equal(t, model.SubStatusActive, sub.Status)
	assert.Equal(t, "smart", sub.PlanID)
	assert.Equal(t, fixedNow.AddDate(0, 0, 30), sub.CurrentPeriodEnd)
	assert.Equal(t, "evt_1", sub.LastEventID)

	user := store.users[42]
	assert.Equal(t, "smart", user.PlanID)
	assert.Equal(t, 50, user.UploadsLimit)
	assert.Equal(t, 0, user.UploadsUsed)
	assert.Equal(t, "cus_42", user.StripeCustomerID)

	require.Len(t, reporter.entries, 1)
	assert.Equal(t, "sub_new", reporter.entries[0].SubscriptionID)
	assert.Equal(t, "smart", reporter.entries[0].NewPlan)
}

func TestCheckoutResolvesPlanFromPrice(t *testing.T) {
	store := newFakeStore()
	store.addUser(7)
	rec := newTestReconciler(t, store, &recordingReporter{})

	// Payment-link checkout: no plan metadata, only the line item price.
	outcome, err := rec.Process(context.Background(), checkoutEvent("evt_2", &CheckoutData{
		SubscriptionID: "sub_pl",
		CustomerID:     "cus_7",
		UserRef:        "7",
		PriceID:        "price_precision_y",
	}))
	require.NoError(t, err)
	assert.True(t, outcome.Applied)

	sub := store.subs["sub_pl"]
	require.NotNil(t, sub)
	assert.Equal(t, "precision", sub.PlanID)
	assert.Equal(t, fixedNow.AddDate(0, 0, 365), sub.CurrentPeriodEnd)

	user := store.users[7]
	assert.Equal(t, "precision", user.PlanID)
	assert.Equal(t, plan.UnlimitedUploads, user.UploadsLimit)
}

func TestCheckoutWithoutPlanContextIsParked(t *testing.T) {
	store := newFakeStore()
	store.addUser(7)
	rec := newTestReconciler(t, store, &recordingReporter{})

	outcome, err := rec.Process(context.Background(), checkoutEvent("evt_3", &CheckoutData{
		SubscriptionID: "sub_x",
		UserRef:        "7",
	}))
	require.NoError(t, err, "data-integrity failures must not make the provider retry")
	assert.False(t, outcome.Applied)
	assert.Zero(t, store.applyCalls)
	require.Len(t, store.logs, 1)
	assert.Equal(t, "evt_3", store.logs[0].EventID)
}

func TestCheckoutWithoutUserRefIsParked(t *testing.T) {
	store := newFakeStore()
	rec := newTestReconciler(t, store, &recordingReporter{})

	outcome, err := rec.Process(context.Background(), checkoutEvent("evt_4", &CheckoutData{
		SubscriptionID: "sub_x",
		PlanID:         "smart",
	}))
	require.NoError(t, err)
	assert.False(t, outcome.Applied)
	assert.Len(t, store.logs, 1)
}

func TestCheckoutReplayWritesNothing(t *testing.T) {
	store := newFakeStore()
	store.addUser(42)
	reporter := &recordingReporter{}
	rec := newTestReconciler(t, store, reporter)

	ev := checkoutEvent("evt_5", &CheckoutData{
		SubscriptionID: "sub_dup",
		CustomerID:     "cus_42",
		UserRef:        "42",
		PlanID:         "smart",
	})

	first, err := rec.Process(context.Background(), ev)
	require.NoError(t, err)
	assert.True(t, first.Applied)

	second, err := rec.Process(context.Background(), ev)
	require.NoError(t, err)
	assert.False(t, second.Applied)

	assert.Equal(t, 1, store.applyCalls, "replay must not write")
	assert.Len(t, reporter.entries, 1, "replay must not mirror")
	assert.Equal(t, 0, store.users[42].UploadsUsed)
}

func TestPaymentFailedKeepsEntitlement(t *testing.T) {
	store := newFakeStore()
	seedActive(store)
	rec := newTestReconciler(t, store, &recordingReporter{})

	outcome, err := rec.Process(context.Background(), invoiceEvent("evt_pf", KindPaymentFailed, &InvoiceData{
		InvoiceID:      "in_1",
		SubscriptionID: "sub_1",
		PeriodStart:    fixedNow.AddDate(0, 0, 15),
		PeriodEnd:      fixedNow.AddDate(0, 0, 45),
	}))
	require.NoError(t, err)
	assert.True(t, outcome.Applied)

	sub := store.subs["sub_1"]
	assert.Equal(t, model.SubStatusPastDue, sub.Status)
	assert.Equal(t, fixedNow.AddDate(0, 0, 15), sub.CurrentPeriodEnd, "a failed payment must not extend the period")

	// Grace period: plan and quota stay as they were.
	user := store.users[1]
	assert.Equal(t, model.SubStatusPastDue, user.AccountStatus)
	assert.Equal(t, "smart", user.PlanID)
	assert.Equal(t, 50, user.UploadsLimit)
	assert.Equal(t, 7, user.UploadsUsed)
}

func TestPaymentSucceededRenewsQuota(t *testing.T) {
	store := newFakeStore()
	seedActive(store)
	store.subs["sub_1"].Status = model.SubStatusPastDue
	store.users[1].AccountStatus = model.SubStatusPastDue
	rec := newTestReconciler(t, store, &recordingReporter{})

	newEnd := fixedNow.AddDate(0, 0, 45)
	outcome, err := rec.Process(context.Background(), invoiceEvent("evt_ps", KindPaymentSucceeded, &InvoiceData{
		InvoiceID:      "in_2",
		SubscriptionID: "sub_1",
		PeriodStart:    fixedNow.AddDate(0, 0, 15),
		PeriodEnd:      newEnd,
	}))
	require.NoError(t, err)
	assert.True(t, outcome.Applied)

	sub := store.subs["sub_1"]
	assert.Equal(t, model.SubStatusActive, sub.Status)
	assert.Equal(t, newEnd, sub.CurrentPeriodEnd)

	user := store.users[1]
	assert.Equal(t, model.SubStatusActive, user.AccountStatus)
	assert.Equal(t, 0, user.UploadsUsed, "a paid invoice replenishes the quota")
	assert.Equal(t, "smart", user.PlanID)
}

func TestSubscriptionDeletedCascadesToFloor(t *testing.T) {
	store := newFakeStore()
	seedActive(store)
	rec := newTestReconciler(t, store, &recordingReporter{})

	outcome, err := rec.Process(context.Background(), subscriptionEvent("evt_del", KindSubscriptionDeleted, &SubscriptionData{
		SubscriptionID: "sub_1",
		Status:         "canceled",
		PeriodEnd:      fixedNow.AddDate(0, 0, 15),
	}))
	require.NoError(t, err)
	assert.True(t, outcome.Applied)

	sub := store.subs["sub_1"]
	assert.Equal(t, model.SubStatusCanceled, sub.Status)

	user := store.users[1]
	assert.Equal(t, "start", user.PlanID)
	assert.Equal(t, 10, user.UploadsLimit)
	assert.Equal(t, 0, user.UploadsUsed, "deletion grants a fresh counter for the next signup")
	assert.Empty(t, user.StripeSubID)
}

func TestCancellationCascadeUsesLiveCatalog(t *testing.T) {
	// A catalog with a different floor quota proves the downgrade resolves
	// the floor plan instead of hardcoding numbers.
	catalog, err := plan.NewCatalog([]plan.Definition{
		{ID: "start", UploadQuota: 3, SupportTier: plan.TierCommunity},
		{ID: "smart", UploadQuota: 50, SupportTier: plan.TierEmail},
	}, "start")
	require.NoError(t, err)

	store := newFakeStore()
	seedActive(store)
	rec := NewReconciler(catalog, testPrices(t), store, nil)
	rec.now = func() time.Time { return fixedNow }

	_, err = rec.Process(context.Background(), subscriptionEvent("evt_unpaid", KindSubscriptionUpdated, &SubscriptionData{
		SubscriptionID: "sub_1",
		Status:         "unpaid",
		PeriodStart:    fixedNow.AddDate(0, 0, -15),
		PeriodEnd:      fixedNow.AddDate(0, 0, 15),
	}))
	require.NoError(t, err)

	user := store.users[1]
	assert.Equal(t, "start", user.PlanID)
	assert.Equal(t, 3, user.UploadsLimit)
}

func TestSubscriptionUpdateAppliesAuthoritativeFields(t *testing.T) {
	store := newFakeStore()
	seedActive(store)
	rec := newTestReconciler(t, store, &recordingReporter{})

	newEnd := fixedNow.AddDate(0, 0, 45)
	_, err := rec.Process(context.Background(), subscriptionEvent("evt_up", KindSubscriptionUpdated, &SubscriptionData{
		SubscriptionID:    "sub_1",
		Status:            "active",
		PeriodStart:       fixedNow.AddDate(0, 0, 15),
		PeriodEnd:         newEnd,
		CancelAtPeriodEnd: true,
		PriceID:           "price_precision_m",
	}))
	require.NoError(t, err)

	sub := store.subs["sub_1"]
	assert.Equal(t, newEnd, sub.CurrentPeriodEnd)
	assert.True(t, sub.CancelAtPeriodEnd)
	assert.Equal(t, "precision", sub.PlanID, "a price change re-resolves the plan")

	user := store.users[1]
	assert.Equal(t, "precision", user.PlanID)
	assert.Equal(t, plan.UnlimitedUploads, user.UploadsLimit)
	assert.Equal(t, 7, user.UploadsUsed, "a plan change alone does not reset usage")
}

func TestOrderingMonotonicity(t *testing.T) {
	run := func(order []*Event) (*model.Subscription, *model.User) {
		store := newFakeStore()
		seedActive(store)
		rec := newTestReconciler(t, store, &recordingReporter{})
		for _, ev := range order {
			_, err := rec.Process(context.Background(), ev)
			require.NoError(t, err)
		}
		return store.subs["sub_1"], store.users[1]
	}

	early := subscriptionEvent("evt_t1", KindSubscriptionUpdated, &SubscriptionData{
		SubscriptionID: "sub_1",
		Status:         "active",
		PeriodEnd:      fixedNow.AddDate(0, 0, 30),
	})
	late := subscriptionEvent("evt_t2", KindSubscriptionUpdated, &SubscriptionData{
		SubscriptionID:    "sub_1",
		Status:            "active",
		PeriodEnd:         fixedNow.AddDate(0, 0, 60),
		CancelAtPeriodEnd: true,
	})

	subInOrder, userInOrder := run([]*Event{early, late})
	subReversed, userReversed := run([]*Event{late, early})

	assert.Equal(t, subInOrder.CurrentPeriodEnd, subReversed.CurrentPeriodEnd)
	assert.Equal(t, subInOrder.CancelAtPeriodEnd, subReversed.CancelAtPeriodEnd)
	assert.Equal(t, subInOrder.Status, subReversed.Status)
	assert.Equal(t, userInOrder.PlanID, userReversed.PlanID)
	assert.Equal(t, userInOrder.UploadsLimit, userReversed.UploadsLimit)
}

func TestCanceledIsTerminal(t *testing.T) {
	store := newFakeStore()
	seedActive(store)
	rec := newTestReconciler(t, store, &recordingReporter{})

	_, err := rec.Process(context.Background(), subscriptionEvent("evt_del", KindSubscriptionDeleted, &SubscriptionData{
		SubscriptionID: "sub_1",
		Status:         "canceled",
		PeriodEnd:      fixedNow.AddDate(0, 0, 15),
	}))
	require.NoError(t, err)

	// A late update for the dead subscription changes nothing.
	outcome, err := rec.Process(context.Background(), subscriptionEvent("evt_late", KindSubscriptionUpdated, &SubscriptionData{
		SubscriptionID: "sub_1",
		Status:         "active",
		PeriodEnd:      fixedNow.AddDate(0, 0, 90),
	}))
	require.NoError(t, err)
	assert.False(t, outcome.Applied)
	assert.Equal(t, model.SubStatusCanceled, store.subs["sub_1"].Status)
}

func TestSubscriptionCreatedBeforeCheckoutIsSkipped(t *testing.T) {
	store := newFakeStore()
	rec := newTestReconciler(t, store, &recordingReporter{})

	outcome, err := rec.Process(context.Background(), subscriptionEvent("evt_c", KindSubscriptionCreated, &SubscriptionData{
		SubscriptionID: "sub_unknown",
		Status:         "active",
	}))
	require.NoError(t, err)
	assert.False(t, outcome.Applied)
	assert.Empty(t, store.logs, "created-before-checkout is normal ordering, not a data problem")

	outcome, err = rec.Process(context.Background(), subscriptionEvent("evt_u", KindSubscriptionUpdated, &SubscriptionData{
		SubscriptionID: "sub_unknown",
		Status:         "active",
	}))
	require.NoError(t, err)
	assert.False(t, outcome.Applied)
	assert.Len(t, store.logs, 1, "an update for an unknown subscription is parked for follow-up")
}

func TestReportingFailureIsIsolated(t *testing.T) {
	store := newFakeStore()
	store.addUser(42)
	reporter := &recordingReporter{fail: true}
	rec := newTestReconciler(t, store, reporter)

	outcome, err := rec.Process(context.Background(), checkoutEvent("evt_r", &CheckoutData{
		SubscriptionID: "sub_r",
		UserRef:        "42",
		PlanID:         "smart",
	}))
	require.NoError(t, err, "a reporting failure must never reach the provider response")
	assert.True(t, outcome.Applied)
	assert.NotNil(t, store.subs["sub_r"], "the committed state stays committed")
}

func TestStoreFailureSignalsRetry(t *testing.T) {
	store := newFakeStore()
	store.addUser(42)
	store.failApply = true
	reporter := &recordingReporter{}
	rec := newTestReconciler(t, store, reporter)

	_, err := rec.Process(context.Background(), checkoutEvent("evt_s", &CheckoutData{
		SubscriptionID: "sub_s",
		UserRef:        "42",
		PlanID:         "smart",
	}))
	require.Error(t, err, "a store failure must surface so the provider retries")

	assert.Nil(t, store.subs["sub_s"])
	assert.Equal(t, "start", store.users[42].PlanID, "no partial update on either side")
	assert.Empty(t, reporter.entries, "nothing is mirrored before the store commits")
}

func TestIgnoredEventTouchesNothing(t *testing.T) {
	store := newFakeStore()
	rec := newTestReconciler(t, store, &recordingReporter{})

	outcome, err := rec.Process(context.Background(), &Event{ID: "evt_i", Type: "customer.tax_id.created", Kind: KindIgnored})
	require.NoError(t, err)
	assert.False(t, outcome.Applied)
	assert.Zero(t, store.applyCalls)
	assert.Empty(t, store.logs)
}

func TestPaymentSucceededReplayIsIdempotent(t *testing.T) {
	store := newFakeStore()
	seedActive(store)
	rec := newTestReconciler(t, store, &recordingReporter{})

	ev := invoiceEvent("evt_rep", KindPaymentSucceeded, &InvoiceData{
		InvoiceID:      "in_3",
		SubscriptionID: "sub_1",
		PeriodEnd:      fixedNow.AddDate(0, 0, 45),
	})

	_, err := rec.Process(context.Background(), ev)
	require.NoError(t, err)
	writes := store.applyCalls

	// Simulate product usage between the deliveries.
	store.users[1].UploadsUsed = 3

	outcome, err := rec.Process(context.Background(), ev)
	require.NoError(t, err)
	assert.False(t, outcome.Applied)
	assert.Equal(t, writes, store.applyCalls)
	assert.Equal(t, 3, store.users[1].UploadsUsed, "a replay must not reset usage again")
}
