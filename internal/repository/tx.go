package repository

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type txKey struct{}

// Transactor はcontextにトランザクションを載せて処理を実行する。
type Transactor struct {
	db *gorm.DB
}

// NewTransactor は新しいTransactorを生成する。
func NewTransactor(db *gorm.DB) *Transactor {
	return &Transactor{db: db}
}

// Transaction はfnを1つのトランザクション内で実行する。
// fnがエラーを返した場合やcontextが終了した場合はロールバックされる。
// 既にトランザクション中のcontextが渡された場合はそのトランザクションに参加する。
func (t *Transactor) Transaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txKey{}).(*gorm.DB); ok {
		return fn(ctx)
	}
	return t.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(context.WithValue(ctx, txKey{}, tx))
	})
}

// conn はcontextにトランザクションがあればそれを、なければdbを返す。
func conn(ctx context.Context, db *gorm.DB) *gorm.DB {
	if tx, ok := ctx.Value(txKey{}).(*gorm.DB); ok {
		return tx.WithContext(ctx)
	}
	return db.WithContext(ctx)
}

// forUpdate は行ロックを付与する。SQLiteドライバはこの句を出力しない。
func forUpdate(db *gorm.DB) *gorm.DB {
	return db.Clauses(clause.Locking{Strength: "UPDATE"})
}

// Models は全テーブルのモデルを返す。SQLite環境でのAutoMigrateに使用する。
func Models() []any {
	return []any{
		&KeyPairModel{},
		&LicenseModel{},
		&SignedLicenseModel{},
		&RevocationModel{},
		&ProductKeyModel{},
		&ActivationModel{},
		&VolumetricLicenseModel{},
		&SlotModel{},
		&SchemaMigrationModel{},
	}
}

// AutoMigrate はモデル定義からテーブルを作成する。
func AutoMigrate(ctx context.Context, db *gorm.DB) error {
	return db.WithContext(ctx).AutoMigrate(Models()...)
}
