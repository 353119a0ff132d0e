package library

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/openshelf/callgate/pkg/dispatch"
	"github.com/openshelf/callgate/pkg/protocol"
	"github.com/openshelf/callgate/pkg/stream"
)

// Domain error codes surfaced by the library handlers.
const (
	CodeItemNotFound      = "ITEM_NOT_FOUND"
	CodeItemUnavailable   = "ITEM_UNAVAILABLE"
	CodeItemNotCheckedOut = "ITEM_NOT_CHECKED_OUT"
	CodeOverdueItemsExist = "OVERDUE_ITEMS_EXIST"
)

// Handlers builds the operation handler table over the seeded store.
func Handlers(store *Store, feed *Feed, alloc *stream.Allocator) *dispatch.HandlerSet {
	h := handlers{store: store, feed: feed, alloc: alloc,
		logger: slog.Default().With("component", "library")}

	set := dispatch.NewHandlerSet()
	set.Sync("v1:catalog.list", dispatch.SyncFunc(h.catalogList))
	set.Sync("v1:catalog.search", dispatch.SyncFunc(h.catalogSearch))
	// The deprecation gate refuses v1:catalog.browse before execution;
	// the handler stays registered for the descriptor's sake.
	set.Sync("v1:catalog.browse", dispatch.SyncFunc(h.catalogList))
	set.Sync("v1:item.get", dispatch.SyncFunc(h.itemGet))
	set.Sync("v1:item.cover", dispatch.SyncFunc(h.itemCover))
	set.Sync("v1:item.checkout", dispatch.SyncFunc(h.itemCheckout))
	set.Sync("v1:item.checkin", dispatch.SyncFunc(h.itemCheckin))
	set.Sync("v1:patron.profile", dispatch.SyncFunc(h.patronProfile))
	set.Sync("v1:patron.fines", dispatch.SyncFunc(h.patronFines))
	set.Async("v1:report.generate", dispatch.AsyncFunc(h.reportGenerate))
	set.Async("v1:catalog.export", dispatch.AsyncFunc(h.catalogExport))
	set.Stream("v1:events.subscribe", dispatch.StreamFunc(h.eventsSubscribe))
	return set
}

type handlers struct {
	store  *Store
	feed   *Feed
	alloc  *stream.Allocator
	logger *slog.Logger
}

func (h handlers) catalogList(ctx context.Context, req dispatch.Request) dispatch.Outcome {
	limit := intArg(req.Args, "limit", 20)
	offset := intArg(req.Args, "offset", 0)
	items, total, err := h.store.ListItems(ctx, limit, offset)
	if err != nil {
		return h.storeFailure(req.Op, err)
	}
	if items == nil {
		items = []Item{}
	}
	return dispatch.Ok(map[string]any{"items": items, "total": total})
}

func (h handlers) catalogSearch(ctx context.Context, req dispatch.Request) dispatch.Outcome {
	q, _ := req.Args["q"].(string)
	items, err := h.store.SearchItems(ctx, q, intArg(req.Args, "limit", 20))
	if err != nil {
		return h.storeFailure(req.Op, err)
	}
	if items == nil {
		items = []Item{}
	}
	return dispatch.Ok(map[string]any{"items": items})
}

func (h handlers) itemGet(ctx context.Context, req dispatch.Request) dispatch.Outcome {
	item, err := h.store.GetItem(ctx, stringArg(req.Args, "itemId"))
	if err != nil {
		return h.domainOrFailure(req.Op, err)
	}
	return dispatch.Ok(item)
}

func (h handlers) itemCover(ctx context.Context, req dispatch.Request) dispatch.Outcome {
	item, err := h.store.GetItem(ctx, stringArg(req.Args, "itemId"))
	if err != nil {
		return h.domainOrFailure(req.Op, err)
	}
	return dispatch.Redirect{URI: item.CoverURI}
}

func (h handlers) itemCheckout(ctx context.Context, req dispatch.Request) dispatch.Outcome {
	itemID := stringArg(req.Args, "itemId")
	loan, err := h.store.Checkout(ctx, req.Subject(), itemID)
	if err != nil {
		return h.domainOrFailure(req.Op, err)
	}
	h.feed.Publish(stream.Event{Name: "item.checkout", Data: loan})
	return dispatch.Ok(loan)
}

func (h handlers) itemCheckin(ctx context.Context, req dispatch.Request) dispatch.Outcome {
	itemID := stringArg(req.Args, "itemId")
	loan, err := h.store.Checkin(ctx, req.Subject(), itemID)
	if err != nil {
		return h.domainOrFailure(req.Op, err)
	}
	h.feed.Publish(stream.Event{Name: "item.checkin", Data: loan})
	return dispatch.Ok(loan)
}

func (h handlers) patronProfile(ctx context.Context, req dispatch.Request) dispatch.Outcome {
	profile, err := h.store.PatronProfile(ctx, req.Subject())
	if err != nil {
		return h.storeFailure(req.Op, err)
	}
	if profile.Loans == nil {
		profile.Loans = []Loan{}
	}
	return dispatch.Ok(profile)
}

func (h handlers) patronFines(ctx context.Context, req dispatch.Request) dispatch.Outcome {
	fines, totalCents, err := h.store.PatronFines(ctx, req.Subject())
	if err != nil {
		return h.storeFailure(req.Op, err)
	}
	if fines == nil {
		fines = []Fine{}
	}
	return dispatch.Ok(map[string]any{"fines": fines, "outstandingCents": totalCents})
}

func (h handlers) reportGenerate(ctx context.Context, req dispatch.Request, handle dispatch.AsyncHandle) {
	if err := handle.Start(); err != nil {
		h.logger.Error("report start failed", "error", err)
		return
	}
	// Report assembly is cheap against the seeded store; the pause keeps
	// the pending state observable to pollers.
	time.Sleep(250 * time.Millisecond)

	format, _ := req.Args["format"].(string)
	if format == "" {
		format = "summary"
	}
	report, err := h.store.BuildReport(ctx, format)
	if err != nil {
		h.logger.Error("report generation failed", "error", err)
		_ = handle.Fail(protocol.NewError(protocol.CodeInternal, "report generation failed"))
		return
	}
	if err := handle.Complete(report); err != nil {
		h.logger.Error("report completion failed", "error", err)
	}
}

func (h handlers) catalogExport(ctx context.Context, req dispatch.Request, handle dispatch.AsyncHandle) {
	if err := handle.Start(); err != nil {
		h.logger.Error("export start failed", "error", err)
		return
	}
	items, err := h.store.ExportCatalogue(ctx)
	if err != nil {
		h.logger.Error("export failed", "error", err)
		_ = handle.Fail(protocol.NewError(protocol.CodeInternal, "catalogue export failed"))
		return
	}
	if err := handle.Complete(map[string]any{"items": items, "count": len(items)}); err != nil {
		h.logger.Error("export completion failed", "error", err)
	}
}

func (h handlers) eventsSubscribe(_ context.Context, req dispatch.Request) (*protocol.StreamInfo, *protocol.Error) {
	info, err := h.alloc.Open(req.Subject(), req.Op)
	if err != nil {
		h.logger.Error("stream allocation failed", "error", err)
		return nil, protocol.NewError(protocol.CodeInternal, "stream session allocation failed")
	}
	return info, nil
}

// domainOrFailure translates lending sentinels into domain error codes;
// anything else is an infrastructure failure.
func (h handlers) domainOrFailure(op string, err error) dispatch.Outcome {
	switch {
	case errors.Is(err, ErrItemNotFound):
		return dispatch.Fail(protocol.NewError(CodeItemNotFound, "no such item in the catalogue"))
	case errors.Is(err, ErrItemUnavailable):
		return dispatch.Fail(protocol.NewError(CodeItemUnavailable, "all copies are checked out"))
	case errors.Is(err, ErrItemNotCheckedOut):
		return dispatch.Fail(protocol.NewError(CodeItemNotCheckedOut, "item is not checked out to this patron"))
	case errors.Is(err, ErrOverdueItemsExist):
		return dispatch.Fail(protocol.NewError(CodeOverdueItemsExist, "overdue items block new checkouts"))
	default:
		return h.storeFailure(op, err)
	}
}

func (h handlers) storeFailure(op string, err error) dispatch.Outcome {
	h.logger.Error("store operation failed", "op", op, "error", err)
	return dispatch.Fail(protocol.NewError(protocol.CodeInternal, "the library store is unavailable"))
}

func intArg(args map[string]any, key string, fallback int) int {
	switch v := args[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return fallback
	}
}

func stringArg(args map[string]any, key string) string {
	s, _ := args[key].(string)
	return s
}
