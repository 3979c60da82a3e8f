package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/jmoiron/sqlx"
	"github.com/spf13/cobra"

	"github.com/frahmantamala/soko-payments/pkg/logger"
)

var clearData bool

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Seed the storefront tables with sample data",
	Long:  `Seed a buyer, two artisans and a two-artisan order so the payment flow can be exercised locally.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := mustLoadConfig()
		log := logger.LoggerWrapper()
		ctx := context.Background()

		sqlDB, _, err := initDB(ctx, cfg.Database)
		if err != nil {
			log.Error("failed to init db", "error", err)
			os.Exit(1)
		}
		defer sqlDB.Close()

		if err := seed(ctx, sqlDB, clearData); err != nil {
			log.Error("seeding failed", "error", err)
			os.Exit(1)
		}
		log.Info("seed data ready", "order_id", seedOrderID)
	},
}

const seedOrderID = "order-demo-1500"

type seedUser struct {
	ID             string  `db:"id"`
	Name           string  `db:"name"`
	PaymentMethod  *string `db:"payment_method"`
	MpesaPhone     *string `db:"mpesa_phone"`
	PaybillNumber  *string `db:"paybill_number"`
	PaybillAccount *string `db:"paybill_account"`
}

func strPtr(s string) *string { return &s }

var seedUsers = []seedUser{
	{ID: "buyer-demo", Name: "Demo Buyer", MpesaPhone: strPtr("254700000001")},
	{ID: "artisan-wanjiku", Name: "Wanjiku Beadwork", PaymentMethod: strPtr("phone"), MpesaPhone: strPtr("254711111111")},
	{ID: "artisan-otieno", Name: "Otieno Carvings", PaymentMethod: strPtr("paybill"), PaybillNumber: strPtr("600100"), PaybillAccount: strPtr("OTIENO-01")},
}

func seed(ctx context.Context, db *sqlx.DB, clear bool) error {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if clear {
		for _, stmt := range []string{
			`DELETE FROM artisan_disbursements WHERE payment_id IN (SELECT id FROM payments WHERE order_id = $1)`,
			`DELETE FROM payments WHERE order_id = $1`,
			`DELETE FROM order_items WHERE order_id = $1`,
			`DELETE FROM orders WHERE id = $1`,
		} {
			if _, err := tx.ExecContext(ctx, stmt, seedOrderID); err != nil {
				return fmt.Errorf("clear: %w", err)
			}
		}
	}

	for _, u := range seedUsers {
		_, err := tx.NamedExecContext(ctx, `
			INSERT INTO users (id, name, payment_method, mpesa_phone, paybill_number, paybill_account)
			VALUES (:id, :name, :payment_method, :mpesa_phone, :paybill_number, :paybill_account)
			ON CONFLICT (id) DO NOTHING`, u)
		if err != nil {
			return fmt.Errorf("insert user %s: %w", u.ID, err)
		}
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO orders (id, user_id, total_amount, currency)
		VALUES ($1, 'buyer-demo', 1500.00, 'KES')
		ON CONFLICT (id) DO NOTHING`, seedOrderID)
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		items := []struct {
			artisan  string
			quantity int
			price    string
		}{
			{"artisan-wanjiku", 3, "300.00"},
			{"artisan-otieno", 1, "600.00"},
		}
		for _, item := range items {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO order_items (order_id, artisan_id, quantity, unit_price, total_price)
				VALUES ($1, $2, $3, $4::numeric, $3 * $4::numeric)`,
				seedOrderID, item.artisan, item.quantity, item.price)
			if err != nil {
				return fmt.Errorf("insert item for %s: %w", item.artisan, err)
			}
		}
	}

	return tx.Commit()
}

func init() {
	seedCmd.Flags().BoolVar(&clearData, "clear", false, "Clear the sample order and its payments before seeding")
}
