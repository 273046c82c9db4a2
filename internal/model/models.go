package model

// All lists every table managed by AutoMigrate.
func All() []interface{} {
	return []interface{}{
		&Order{},
		&OrderItem{},
		&ProductStock{},
		&VendorRating{},
		&Payment{},
		&EscrowTransaction{},
		&VendorBalance{},
		&VendorPayoutAccount{},
		&Payout{},
		&CommissionLedger{},
		&ProviderConfig{},
		&OutboxMessage{},
	}
}
