package ledger

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// chartEntry describes one default account.
type chartEntry struct {
	Code          string
	Name          string
	Type          AccountType
	NormalBalance Side
}

// defaultChart is the account set every tenant needs before event
// choreography can post. Codes match the choreographer's translation
// table.
var defaultChart = []chartEntry{
	{"escrow_asset", "Escrow bank account", AccountEscrowAsset, SideDebit},
	{"escrow_liability", "Escrow obligations", AccountEscrowLiability, SideCredit},
	{"customer_clearing", "Customer clearing", AccountEscrowLiability, SideCredit},
	{"merchant_receivable", "Merchant receivable", AccountMerchantReceivable, SideDebit},
	{"merchant_payable", "Merchant payable", AccountMerchantPayable, SideCredit},
	{"platform_revenue", "Platform fee revenue", AccountPlatformRevenue, SideCredit},
	{"platform_fee_expense", "Platform fee clearing", AccountGatewayFee, SideDebit},
	{"gateway_payable", "Gateway fees payable", AccountGatewayClearing, SideCredit},
	{"gateway_fee_expense", "Gateway fee expense", AccountGatewayFee, SideDebit},
	{"chargeback", "Chargeback clearing", AccountChargeback, SideDebit},
}

// ProvisionDefaultChart creates the default chart of accounts for a
// tenant. Safe to call for a tenant that already has some of the
// accounts; existing codes are left untouched.
func ProvisionDefaultChart(ctx context.Context, store Store, tenant string) error {
	now := time.Now().UTC()
	for _, e := range defaultChart {
		if existing, err := store.GetAccount(ctx, tenant, e.Code); err == nil && existing != nil {
			continue
		}
		err := store.CreateAccount(ctx, Account{
			ID:            uuid.NewString(),
			Tenant:        tenant,
			Code:          e.Code,
			Name:          e.Name,
			Type:          e.Type,
			NormalBalance: e.NormalBalance,
			Status:        AccountActive,
			CreatedAt:     now,
		})
		if err != nil {
			return err
		}
	}
	return nil
}
