package vectorstore

import (
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// connKey identifies a logical Qdrant endpoint the way the tenant RAG
// config names one: uri, an optional auth token, and an optional
// namespace (db). Qdrant itself has no db concept; db only
// disambiguates pooled connections sharing a uri+token pair against
// different logical collections namespaces upstream.
type connKey struct {
	URI   string
	Token string
	DB    string
}

var connPool = struct {
	mu    sync.Mutex
	conns map[connKey]*grpc.ClientConn
}{conns: map[connKey]*grpc.ClientConn{}}

// dial returns a pooled *grpc.ClientConn for key, dialing a new one only
// if none exists yet; a cached connection is returned without checking its
// state.
func dial(key connKey) (*grpc.ClientConn, error) {
	connPool.mu.Lock()
	defer connPool.mu.Unlock()

	if conn, ok := connPool.conns[key]; ok {
		return conn, nil
	}
	conn, err := grpc.NewClient(key.URI, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}
	connPool.conns[key] = conn
	return conn, nil
}

// redial discards the pooled connection for key and dials a fresh one,
// used for the single reconnect attempt after an RPC failure.
func redial(key connKey) (*grpc.ClientConn, error) {
	connPool.mu.Lock()
	if conn, ok := connPool.conns[key]; ok {
		conn.Close()
		delete(connPool.conns, key)
	}
	connPool.mu.Unlock()
	return dial(key)
}
