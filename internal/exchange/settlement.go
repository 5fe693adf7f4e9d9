package exchange

import (
	"context"
	"errors"
	"sort"

	"github.com/shopspring/decimal"
	"github.com/xtrntr/spotmatch/internal/db"
	"github.com/xtrntr/spotmatch/internal/ledger"
	"github.com/xtrntr/spotmatch/internal/models"
)

// TradeEconomics is what one trade moves between buyer, seller and the house
type TradeEconomics struct {
	Price           decimal.Decimal
	Amount          decimal.Decimal
	Volume          decimal.Decimal // Price * Amount
	Commission      decimal.Decimal // Charged to the seller in currency
	AssetCommission decimal.Decimal // Charged to the buyer in units
}

// ComputeEconomics prices a trade of amount units at price
func ComputeEconomics(price, amount, rate decimal.Decimal) TradeEconomics {
	volume := price.Mul(amount)
	commission := volume.Mul(rate).Round(models.CommissionScale)
	return TradeEconomics{
		Price:           price,
		Amount:          amount,
		Volume:          volume,
		Commission:      commission,
		AssetCommission: commission.DivRound(price, models.AmountScale),
	}
}

type settlement struct {
	trade  *models.Trade
	buyer  models.PartySnapshot
	seller models.PartySnapshot
}

// parties holds the locked rows of both sides. On a self-trade buyer and
// seller point at the same rows.
type parties struct {
	buyer       *models.User
	seller      *models.User
	buyerAsset  *models.Asset
	sellerAsset *models.Asset
}

// settle fills both orders at the resting price for the buy order's amount
func (e *Exchange) settle(ctx context.Context, tx db.Tx, incoming, resting *models.Order) (*settlement, error) {
	buy, sell := incoming, resting
	if incoming.Side == models.SideSell {
		buy, sell = resting, incoming
	}
	econ := ComputeEconomics(resting.Price, buy.Amount, e.rate)

	p, err := lockParties(ctx, tx, buy.UserID, sell.UserID, buy.Symbol)
	if err != nil {
		return nil, err
	}

	if err := ledger.DebitLockedAsset(p.sellerAsset, econ.Amount); err != nil {
		return nil, err
	}
	if err := ledger.CreditAsset(p.buyerAsset, econ.Amount.Sub(econ.AssetCommission)); err != nil {
		return nil, err
	}
	if err := ledger.CreditBalance(p.seller, econ.Volume.Sub(econ.Commission)); err != nil {
		return nil, err
	}
	// The buyer reserved at their own limit; return the difference
	if improvement := buy.Price.Sub(econ.Price).Mul(econ.Amount); improvement.IsPositive() {
		ledger.ReleaseBalance(p.buyer, improvement)
	}

	if err := p.save(ctx, tx); err != nil {
		return nil, err
	}
	for _, o := range []*models.Order{buy, sell} {
		if err := tx.UpdateOrderStatus(ctx, o.ID, models.StatusFilled); err != nil {
			return nil, err
		}
		o.Status = models.StatusFilled
	}

	trade, err := tx.CreateTrade(ctx, &models.Trade{
		BuyOrderID:  buy.ID,
		SellOrderID: sell.ID,
		Symbol:      buy.Symbol,
		Price:       econ.Price,
		Amount:      econ.Amount,
		Commission:  econ.Commission,
	})
	if err != nil {
		return nil, err
	}

	return &settlement{
		trade: trade,
		buyer: models.PartySnapshot{
			UserID:  p.buyer.ID,
			Balance: p.buyer.Balance,
			Asset:   p.buyerAsset.Snapshot(),
		},
		seller: models.PartySnapshot{
			UserID:  p.seller.ID,
			Balance: p.seller.Balance,
			Asset:   p.sellerAsset.Snapshot(),
		},
	}, nil
}

// lockParties locks users by ascending id, then their symbol holdings in the
// same order. The buyer's holding is created if missing. A missing seller
// holding is left nil and surfaces as a consistency fault on debit.
func lockParties(ctx context.Context, tx db.Tx, buyerID, sellerID int64, symbol string) (*parties, error) {
	ids := []int64{buyerID}
	if sellerID != buyerID {
		ids = append(ids, sellerID)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	users := make(map[int64]*models.User, len(ids))
	for _, id := range ids {
		u, err := tx.LockUser(ctx, id)
		if err != nil {
			return nil, err
		}
		users[id] = u
	}

	assets := make(map[int64]*models.Asset, len(ids))
	for _, id := range ids {
		var (
			a   *models.Asset
			err error
		)
		if id == buyerID {
			a, err = tx.LockOrCreateAsset(ctx, id, symbol)
		} else {
			a, err = tx.LockAsset(ctx, id, symbol)
			if errors.Is(err, db.ErrNotFound) {
				a, err = nil, nil
			}
		}
		if err != nil {
			return nil, err
		}
		assets[id] = a
	}

	return &parties{
		buyer:       users[buyerID],
		seller:      users[sellerID],
		buyerAsset:  assets[buyerID],
		sellerAsset: assets[sellerID],
	}, nil
}

func (p *parties) save(ctx context.Context, tx db.Tx) error {
	if err := tx.SaveUser(ctx, p.buyer); err != nil {
		return err
	}
	if p.seller != p.buyer {
		if err := tx.SaveUser(ctx, p.seller); err != nil {
			return err
		}
	}
	if err := tx.SaveAsset(ctx, p.buyerAsset); err != nil {
		return err
	}
	if p.sellerAsset != p.buyerAsset {
		if err := tx.SaveAsset(ctx, p.sellerAsset); err != nil {
			return err
		}
	}
	return nil
}
