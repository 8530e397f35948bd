package token

import "errors"

// 検証失敗の種類。いずれも errors.Is で判別する。
var (
	// ErrMalformedCredential はトークンの構造が不正であることを表す。
	ErrMalformedCredential = errors.New("malformed credential")
	// ErrInvalidSignature は署名が一致しないことを表す。
	ErrInvalidSignature = errors.New("invalid signature")
	// ErrExpired はexpを過ぎていることを表す。
	ErrExpired = errors.New("token expired")
	// ErrNotYetValid はnbfに達していないことを表す。
	ErrNotYetValid = errors.New("token not yet valid")
	// ErrUnexpectedIssuer はissが設定と一致しないことを表す。
	ErrUnexpectedIssuer = errors.New("unexpected issuer")
	// ErrUnexpectedAudience はaudに設定したオーディエンスが含まれないことを表す。
	ErrUnexpectedAudience = errors.New("unexpected audience")
	// ErrKeyUnavailable は署名鍵を取得できなかったことを表す。認証失敗ではない。
	ErrKeyUnavailable = errors.New("signing key unavailable")
	// ErrUnknownKey は鍵セットに該当するkidが無いことを表す。
	ErrUnknownKey = errors.New("unknown signing key")
)

// ErrorCode は検証エラーを機械判読可能なコードに変換する。
// 検証エラー以外の場合は "INVALID_TOKEN" を返す。
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrMalformedCredential):
		return "MALFORMED_CREDENTIAL"
	case errors.Is(err, ErrInvalidSignature):
		return "INVALID_SIGNATURE"
	case errors.Is(err, ErrExpired):
		return "TOKEN_EXPIRED"
	case errors.Is(err, ErrNotYetValid):
		return "TOKEN_NOT_YET_VALID"
	case errors.Is(err, ErrUnexpectedIssuer):
		return "UNEXPECTED_ISSUER"
	case errors.Is(err, ErrUnexpectedAudience):
		return "UNEXPECTED_AUDIENCE"
	case errors.Is(err, ErrKeyUnavailable):
		return "KEY_SOURCE_UNAVAILABLE"
	default:
		return "INVALID_TOKEN"
	}
}
