package settle

import (
	"fmt"

	"dex_go/internal/domain"
	"dex_go/internal/ledger"
	"dex_go/internal/lending"
	"dex_go/pkg/quant"
	"dex_go/pkg/safe"
)

// Settler applies match settlement against the ledger. One instance per
// exchange; market context comes in per call.
type Settler struct {
	L *ledger.Ledger
}

// New creates a settler over the ledger.
func New(l *ledger.Ledger) *Settler {
	return &Settler{L: l}
}

func (s *Settler) assets(m *domain.Market) (base, quote *domain.Asset) {
	return s.L.Assets[m.Base], s.L.Assets[m.Quote]
}

// RestingCollateral is the amount backing a resting order's remaining
// quantity: the base itself for a spot sell, the quote cost at the limit
// for a spot buy, the limit notional for a perpetual.
func (s *Settler) RestingCollateral(m *domain.Market, o *domain.Order, remaining quant.Qty) quant.Qty {
	if m.Kind == domain.MarketSpot && o.Side == domain.SideSell {
		return remaining
	}
	base, quote := s.assets(m)
	return o.Price.QuoteQty(remaining, base.Decimals, quote.Decimals)
}

// collateralAsset is where a resting order's backing is sequestered.
func collateralAsset(m *domain.Market, o *domain.Order) domain.AssetID {
	if m.Kind == domain.MarketSpot && o.Side == domain.SideSell {
		return m.Base
	}
	return m.Quote
}

// Rest sequesters the backing for an order entering the book and records
// it on the order.
func (s *Settler) Rest(m *domain.Market, o *domain.Order) error {
	amt := s.RestingCollateral(m, o, o.Qty)
	if amt <= 0 {
		return fmt.Errorf("order %d remainder backs nothing: %w", o.ID, domain.ErrInvalidQty)
	}
	var err error
	if m.Kind == domain.MarketPerp {
		err = s.L.SequesterPerp(o.Owner, m.Quote, amt)
	} else {
		err = s.L.Sequester(o.Owner, collateralAsset(m, o), amt)
	}
	if err != nil {
		return err
	}
	o.Collateral = amt
	return nil
}

// Unrest releases whatever backing the order still holds.
func (s *Settler) Unrest(m *domain.Market, o *domain.Order) {
	if o.Collateral <= 0 {
		return
	}
	if m.Kind == domain.MarketPerp {
		s.L.ReleasePerp(o.Owner, m.Quote, o.Collateral)
	} else {
		s.L.Release(o.Owner, collateralAsset(m, o), o.Collateral)
	}
	o.Collateral = 0
}

// trimMakerCollateral releases the slice of the maker's backing that the
// fill consumed, leaving exactly what the remainder requires. The floor
// rounding of the collateral formula guarantees the released amount
// covers the matched debit.
func (s *Settler) trimMakerCollateral(m *domain.Market, maker *domain.Order) {
	required := s.RestingCollateral(m, maker, maker.Qty)
	delta := maker.Collateral - required
	if delta <= 0 {
		return
	}
	if m.Kind == domain.MarketPerp {
		s.L.ReleasePerp(maker.Owner, m.Quote, delta)
	} else {
		s.L.Release(maker.Owner, collateralAsset(m, maker), delta)
	}
	maker.Collateral = required
}

// SettleSpot settles one spot fill at the maker's price: base and quote
// move between the parties, fees go to the operations account. The book
// has already moved the fill from both orders' remaining quantities.
func (s *Settler) SettleSpot(m *domain.Market, fees *FeeSchedule, taker, maker *domain.Order, fill quant.Qty) (takerFee, makerFee quant.Qty, err error) {
	base, quote := s.assets(m)
	price := maker.Price
	quoteAmt := price.QuoteQty(fill, base.Decimals, quote.Decimals)

	s.trimMakerCollateral(m, maker)

	buyer, seller := taker, maker
	if taker.Side == domain.SideSell {
		buyer, seller = maker, taker
	}

	// Fees come out of each party's output: base for the buyer, quote
	// for the seller.
	if maker.Side == domain.SideSell {
		cum := price.QuoteQty(maker.Matched, base.Decimals, quote.Decimals)
		makerFee = fees.MakerLeftoverFee(cum, maker.FeePaid)
	} else {
		makerFee = fees.MakerLeftoverFee(maker.Matched, maker.FeePaid)
	}
	takerOut := fill
	if taker.Side == domain.SideSell {
		takerOut = quoteAmt
	}
	takerFee = fees.TakerFee(takerOut, taker.FeePaid)

	buyerFee, sellerFee := takerFee, makerFee
	if taker.Side == domain.SideSell {
		buyerFee, sellerFee = makerFee, takerFee
	}

	// A dust fill can round a leg below the one-unit maker fee floor; a
	// fee never exceeds the output it is taken from.
	if sellerFee > quoteAmt {
		sellerFee = quoteAmt
	}
	if buyerFee > fill {
		buyerFee = fill
	}
	takerFee, makerFee = buyerFee, sellerFee
	if taker.Side == domain.SideSell {
		takerFee, makerFee = sellerFee, buyerFee
	}

	// Quote leg: buyer pays, seller receives net of the seller's fee.
	if err := s.L.Debit(buyer.Owner, m.Quote, quoteAmt); err != nil {
		return 0, 0, err
	}
	s.L.Credit(seller.Owner, m.Quote, quoteAmt-sellerFee)
	if sellerFee > 0 {
		s.L.Credit(domain.OpsAccount, m.Quote, sellerFee)
	}

	// Base leg: seller delivers, buyer receives net of the buyer's fee.
	if err := s.L.Debit(seller.Owner, m.Base, fill); err != nil {
		return 0, 0, err
	}
	s.L.Credit(buyer.Owner, m.Base, fill-buyerFee)
	if buyerFee > 0 {
		s.L.Credit(domain.OpsAccount, m.Base, buyerFee)
	}

	taker.FeePaid += takerFee
	maker.FeePaid += makerFee
	return takerFee, makerFee, nil
}

// SettlePerp settles one perpetual fill: both positions true up at the
// fill price, fees are charged in the settlement asset, and owed
// balances settle as far as balances allow. Liquidation-flagged orders
// realize an unpayable fee into debt instead of failing.
func (s *Settler) SettlePerp(m *domain.Market, fees *FeeSchedule, taker, maker *domain.Order, fill quant.Qty, now quant.TimeStamp) (takerFee, makerFee quant.Qty, err error) {
	base, quote := s.assets(m)
	price := maker.Price
	notional := price.QuoteQty(fill, base.Decimals, quote.Decimals)

	s.trimMakerCollateral(m, maker)

	cum := price.QuoteQty(maker.Matched, base.Decimals, quote.Decimals)
	makerFee = fees.MakerLeftoverFee(cum, maker.FeePaid)
	takerFee = fees.TakerFee(notional, taker.FeePaid)

	if err := s.chargePerpFee(taker, m.Quote, takerFee); err != nil {
		return 0, 0, err
	}
	if err := s.chargePerpFee(maker, m.Quote, makerFee); err != nil {
		return 0, 0, err
	}

	buyQty := fill
	sellQty := quant.Qty(safe.Neg(int64(fill)))
	if taker.Side == domain.SideBuy {
		s.L.TrueUpPosition(taker.Owner, m.Base, buyQty, price, now)
		s.L.TrueUpPosition(maker.Owner, m.Base, sellQty, price, now)
	} else {
		s.L.TrueUpPosition(taker.Owner, m.Base, sellQty, price, now)
		s.L.TrueUpPosition(maker.Owner, m.Base, buyQty, price, now)
	}
	s.L.SettleOwed(taker.Owner, m.Base)
	s.L.SettleOwed(maker.Owner, m.Base)

	taker.FeePaid += takerFee
	maker.FeePaid += makerFee
	return takerFee, makerFee, nil
}

func (s *Settler) chargePerpFee(o *domain.Order, asset domain.AssetID, fee quant.Qty) error {
	if fee <= 0 {
		return nil
	}
	if err := s.L.Debit(o.Owner, asset, fee); err != nil {
		if !o.Flags.IsLiquidation() {
			return err
		}
		s.L.ForceDebit(o.Owner, asset, fee)
	}
	s.L.Credit(domain.OpsAccount, asset, fee)
	return nil
}

// SettleLoan opens a loan from a lending match at the maker's locked-in
// rate, trimming the maker's offer backing first. The lending book has
// already moved qty off both offers' remainders.
func (s *Settler) SettleLoan(asset *domain.Asset, lend, borrow *lending.Offer, qty quant.Qty, makerIsLender bool, durationHours int64, now quant.TimeStamp) (*ledger.Loan, error) {
	rate := borrow.RateBps
	if makerIsLender {
		rate = lend.RateBps
	}

	if makerIsLender {
		s.trimLendCollateral(asset, lend)
	} else {
		s.trimBorrowCollateral(asset, borrow)
	}

	return s.L.OpenLoan(lend.Owner, borrow.Owner, asset.ID, qty, rate, now, durationHours, lend.ReturnToBook, makerIsLender)
}

// RestOffer sequesters a lending offer's backing: the principal for a
// lend offer, one interest period's prepayment for a borrow request.
func (s *Settler) RestOffer(asset *domain.Asset, o *lending.Offer) error {
	amt := o.Qty
	if !o.Lend {
		amt = ledger.InterestCollateral(o.Qty, o.RateBps)
		if amt <= 0 {
			return fmt.Errorf("offer %d backs nothing: %w", o.ID, domain.ErrInvalidQty)
		}
	}
	if err := s.L.Sequester(o.Owner, asset.ID, amt); err != nil {
		return err
	}
	o.Collateral = amt
	return nil
}

// UnrestOffer releases a lending offer's remaining backing.
func (s *Settler) UnrestOffer(asset *domain.Asset, o *lending.Offer) {
	if o.Collateral <= 0 {
		return
	}
	s.L.Release(o.Owner, asset.ID, o.Collateral)
	o.Collateral = 0
}

func (s *Settler) trimLendCollateral(asset *domain.Asset, lend *lending.Offer) {
	if delta := lend.Collateral - lend.Qty; delta > 0 {
		s.L.Release(lend.Owner, asset.ID, delta)
		lend.Collateral = lend.Qty
	}
}

func (s *Settler) trimBorrowCollateral(asset *domain.Asset, borrow *lending.Offer) {
	required := quant.Qty(0)
	if borrow.Qty > 0 {
		required = ledger.InterestCollateral(borrow.Qty, borrow.RateBps)
	}
	if delta := borrow.Collateral - required; delta > 0 {
		s.L.Release(borrow.Owner, asset.ID, delta)
		borrow.Collateral = required
	}
}
