// Package valkey implements storage.Backend on Valkey (or any Redis
// compatible server) using valkey-go.
//
// # Key Layout
//
// All keys share Config.KeyPrefix (default "oauth:"):
//
//	client:<id>          JSON client record
//	clients              SET of client ids
//	grant:<code hash>    JSON grant record, expires at ExpiresAt + GrantRetention
//	grants:expiry        ZSET of code hashes scored by expiry (ms)
//	token:<token hash>   JSON token record, expires at ExpiresAt
//	tokens:expiry        ZSET of token hashes scored by expiry (ms)
//	tokens:owner         HASH of token hash to owner set key
//	owner:<kind>:<n>:<client>:<user>  SET of token hashes of one kind for a (client, user) pair
//
// # Atomicity
//
// AtomicMarkGrantUsed is a Lua script that reads, checks and rewrites the
// grant with KEEPTTL in one server-side step. AtomicConsumeToken is a single
// GETDEL. Index maintenance after those steps is idempotent and does not
// affect correctness.
//
// # Usage
//
//	store, err := valkey.New(valkey.Config{Address: "localhost:6379"})
//	if err != nil {
//		return err
//	}
//	defer store.Close()
package valkey
