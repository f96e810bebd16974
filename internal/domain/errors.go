package domain

import (
	"errors"
	"fmt"
)

// エラー種別。個別のエラーはいずれかの種別をラップしており、errors.Is で分岐できる。
var (
	// ErrInvalidArgument は入力値が不正な場合のエラー。
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrNotFound は鍵・ライセンス・スロットが存在しない場合のエラー。
	ErrNotFound = errors.New("not found")

	// ErrCorrupted はペイロードを復元できない場合のエラー。
	ErrCorrupted = errors.New("corrupted")

	// ErrInvalid は署名や完全性チェックが一致しない場合のエラー。
	ErrInvalid = errors.New("invalid")

	// ErrUnsupported は復号経路のない暗号化鍵などを扱えない場合のエラー。
	ErrUnsupported = errors.New("unsupported")

	// ErrCapacityExceeded はプロダクトキーの同時アクティベーション上限に達した場合のエラー。
	ErrCapacityExceeded = errors.New("capacity exceeded")

	// ErrConcurrencyLimitExceeded はボリュームライセンスの同時利用上限に達した場合のエラー。
	ErrConcurrencyLimitExceeded = errors.New("concurrency limit exceeded")

	// ErrTotalCapacityExceeded はボリュームライセンスの累計利用者上限に達した場合のエラー。
	ErrTotalCapacityExceeded = errors.New("total capacity exceeded")

	// ErrSlotSpaceExhausted はスロット番号 1..9999 を使い切った場合のエラー。
	ErrSlotSpaceExhausted = errors.New("slot space exhausted")

	// ErrConflict は状態遷移の競合や重複作成の場合のエラー。
	ErrConflict = errors.New("conflict")

	// ErrTimeout は呼び出し元の期限を超過した場合のエラー。
	ErrTimeout = errors.New("timeout")
)

var (
	// ErrInvalidTenantID はテナントIDの形式が不正な場合のエラー。
	ErrInvalidTenantID = fmt.Errorf("%w: invalid tenant ID", ErrInvalidArgument)

	// ErrInvalidProductID はプロダクトIDが空または不正な場合のエラー。
	ErrInvalidProductID = fmt.Errorf("%w: invalid product ID", ErrInvalidArgument)

	// ErrKeySizeTooSmall は鍵長が安全な最小値を下回る場合のエラー。
	ErrKeySizeTooSmall = fmt.Errorf("%w: key size below minimum", ErrInvalidArgument)

	// ErrKeyNotFound は指定されたプロダクトの鍵が存在しない場合のエラー。
	ErrKeyNotFound = fmt.Errorf("%w: key", ErrNotFound)

	// ErrKeyAlreadyExists は指定されたプロダクトに既に有効な鍵が存在する場合のエラー。
	ErrKeyAlreadyExists = fmt.Errorf("%w: key already exists", ErrConflict)

	// ErrKeyCorrupted は保存された鍵がPEMとして解釈できない場合のエラー。
	ErrKeyCorrupted = fmt.Errorf("%w: stored key", ErrCorrupted)

	// ErrEncryptedKey は暗号化された秘密鍵をパスワードなしで取得しようとした場合のエラー。
	ErrEncryptedKey = fmt.Errorf("%w: private key is encrypted", ErrUnsupported)

	// ErrWrongPassword は秘密鍵の復号に失敗した場合のエラー。
	ErrWrongPassword = fmt.Errorf("%w: private key password", ErrInvalid)

	// ErrLicenseNotFound はライセンスが存在しない場合のエラー。
	ErrLicenseNotFound = fmt.Errorf("%w: license", ErrNotFound)

	// ErrInvalidLicense はライセンスの内容が署名できない形式の場合のエラー。
	ErrInvalidLicense = fmt.Errorf("%w: license payload", ErrInvalidArgument)

	// ErrLicenseExpired は期限切れライセンスに対してアクティベーションを試みた場合のエラー。
	ErrLicenseExpired = fmt.Errorf("%w: license has expired", ErrConflict)

	// ErrLicenseRevoked は失効済みライセンスに対してアクティベーションを試みた場合のエラー。
	ErrLicenseRevoked = fmt.Errorf("%w: license has been revoked", ErrConflict)

	// ErrLicenseAwaitingApproval は承認待ちのライセンスに署名しようとした場合のエラー。
	ErrLicenseAwaitingApproval = fmt.Errorf("%w: license is awaiting approval", ErrInvalidArgument)

	// ErrInvalidProductKey はプロダクトキーの書式が不正な場合のエラー。
	ErrInvalidProductKey = fmt.Errorf("%w: product key format", ErrInvalidArgument)

	// ErrProductKeyNotFound はプロダクトキーが存在しない場合のエラー。
	ErrProductKeyNotFound = fmt.Errorf("%w: product key", ErrNotFound)

	// ErrActivationNotFound はアクティベーションが存在しない場合のエラー。
	ErrActivationNotFound = fmt.Errorf("%w: activation", ErrNotFound)

	// ErrActivationNotActive は有効でないアクティベーションへのハートビートなどのエラー。
	ErrActivationNotActive = fmt.Errorf("%w: activation is not active", ErrConflict)

	// ErrInvalidTransition は許可されていない状態遷移のエラー。
	ErrInvalidTransition = fmt.Errorf("%w: invalid status transition", ErrConflict)

	// ErrVolumetricLicenseNotFound はボリュームライセンスが存在しない場合のエラー。
	ErrVolumetricLicenseNotFound = fmt.Errorf("%w: volumetric license", ErrNotFound)

	// ErrSlotNotFound はスロットが存在しない場合のエラー。
	ErrSlotNotFound = fmt.Errorf("%w: slot", ErrNotFound)

	// ErrSlotNotActive は解放済みスロットへのハートビートのエラー。
	ErrSlotNotActive = fmt.Errorf("%w: slot is not active", ErrConflict)

	// ErrMigrationFailed はマイグレーション実行時のエラー。
	ErrMigrationFailed = errors.New("migration failed")

	// ErrInvalidMigrationFile はマイグレーションファイルのフォーマットが不正な場合のエラー。
	ErrInvalidMigrationFile = fmt.Errorf("%w: migration file", ErrInvalidArgument)
)
