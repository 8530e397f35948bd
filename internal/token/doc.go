// Package token はBearerトークンの検証と発行を提供する。
//
// 検証は構造のデコード、署名検証、exp、nbf、iss、audの順で行い、
// 署名を確認するまでクレームを信用しない。検証失敗は errors.Is で判別できる
// センチネルエラーとして返す。署名鍵は KeySource から取得し、
// HS256の共有鍵（StaticKey）とJWKSエンドポイント（JWKSSource）をサポートする。
package token
