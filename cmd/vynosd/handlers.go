package main

import (
	"context"
	"encoding/json"

	"github.com/alexanvl/spankchain-vynos-sub000/internal/currency"
	"github.com/alexanvl/spankchain-vynos-sub000/internal/rpc"
	"github.com/alexanvl/spankchain-vynos-sub000/internal/signer"
	"github.com/alexanvl/spankchain-vynos-sub000/internal/txengine"
	"github.com/alexanvl/spankchain-vynos-sub000/internal/wallet"
)

type statusResult struct {
	Locked  bool         `json:"locked"`
	Address string       `json:"address,omitempty"`
	Flags   wallet.Flags `json:"flags"`
}

// registerHandlers binds every wallet operation to its RPC method. Handler
// contexts come from the rpc layer; wallet operations carry their own
// timeouts through the hub client and retry bounds.
func registerHandlers(srv *rpc.Server, svc *wallet.Service, sgn *signer.Signer) {
	srv.MustAddHandler("vynos.status", func(ctx context.Context, params []json.RawMessage) (any, error) {
		out := statusResult{Locked: sgn.IsLocked(), Flags: svc.Flags()}
		if addr, err := sgn.Address(); err == nil {
			out.Address = addr
		}
		return out, nil
	})

	srv.MustAddHandler("vynos.balance", func(ctx context.Context, params []json.RawMessage) (any, error) {
		return svc.Balance()
	})

	srv.MustAddHandler("vynos.deposit", func(ctx context.Context, params []json.RawMessage) (any, error) {
		amount, err := amountParam(params, 0)
		if err != nil {
			return nil, err
		}
		return svc.Deposit(ctx, amount)
	})

	srv.MustAddHandler("vynos.buy", func(ctx context.Context, params []json.RawMessage) (any, error) {
		price, err := amountParam(params, 0)
		if err != nil {
			return nil, err
		}
		recipient, err := txengine.Arg[string](params, 1)
		if err != nil {
			return nil, invalidParams(err)
		}
		return svc.Buy(ctx, price, recipient)
	})

	srv.MustAddHandler("vynos.closeChannel", func(ctx context.Context, params []json.RawMessage) (any, error) {
		return svc.Withdraw(ctx)
	})

	srv.MustAddHandler("vynos.exchange", func(ctx context.Context, params []json.RawMessage) (any, error) {
		amount, err := amountParam(params, 0)
		if err != nil {
			return nil, err
		}
		return svc.Exchange(ctx, amount)
	})

	srv.MustAddHandler("vynos.lastReceipt", func(ctx context.Context, params []json.RawMessage) (any, error) {
		receipt, ok, err := svc.LastReceipt()
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, nil
		}
		return receipt, nil
	})

	srv.MustAddHandler("vynos.generate", func(ctx context.Context, params []json.RawMessage) (any, error) {
		password, err := txengine.Arg[string](params, 0)
		if err != nil {
			return nil, invalidParams(err)
		}
		return sgn.Generate(password)
	})

	srv.MustAddHandler("vynos.initialize", func(ctx context.Context, params []json.RawMessage) (any, error) {
		mnemonic, err := txengine.Arg[string](params, 0)
		if err != nil {
			return nil, invalidParams(err)
		}
		password, err := txengine.Arg[string](params, 1)
		if err != nil {
			return nil, invalidParams(err)
		}
		return nil, sgn.Initialize(mnemonic, password)
	})

	srv.MustAddHandler("vynos.unlock", func(ctx context.Context, params []json.RawMessage) (any, error) {
		password, err := txengine.Arg[string](params, 0)
		if err != nil {
			return nil, invalidParams(err)
		}
		return nil, sgn.Unlock(password)
	})

	srv.MustAddHandler("vynos.lock", func(ctx context.Context, params []json.RawMessage) (any, error) {
		return nil, sgn.Lock()
	})
}

func amountParam(params []json.RawMessage, i int) (currency.Amount, error) {
	amount, err := txengine.Arg[currency.Amount](params, i)
	if err != nil {
		return currency.Zero(), invalidParams(err)
	}
	return amount, nil
}

func invalidParams(err error) error {
	return &rpc.HandlerError{Code: rpc.CodeInvalidParams, Message: err.Error()}
}
