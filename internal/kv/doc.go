// Package kv はTTL付きのキーバリューストアを提供する。
//
// レートリミッタのウィンドウカウンタとキャッシュルートが使用する。
// 実装はプロセス内のMemoryStoreとRedisを使うRedisStoreの2つ。
package kv
