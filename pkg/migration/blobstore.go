package migration

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/cuemby/kvstore/internal/secretstore"
)

// BlobStoreClient is the abstract backup/restore sink spec.md §4.G
// names: upload/download black boxes reachable over some RPC channel.
// In this reference module the channel is gRPC and the container type
// is a generic protobuf struct, since no wire schema is prescribed
// beyond "connection string, source/dest name, container".
type BlobStoreClient interface {
	Upload(ctx context.Context, srcFile, destName, container string) error
	Download(ctx context.Context, srcName, destFile, container string) error
	Close() error
}

// grpcBlobStoreClient calls a remote BlobStore service's Upload/Download
// methods directly via grpc.ClientConn.Invoke — there is no compiled
// .proto in this module, so requests/responses are carried as
// google.protobuf.Struct values rather than hand-rolled generated code.
type grpcBlobStoreClient struct {
	conn *grpc.ClientConn
}

// DialBlobStore connects to a BlobStore service at addr. Production
// deployments should pass proper transport credentials; insecure is
// used here only because spec.md treats the sink as a black box and
// this module carries no certificate-provisioning story of its own
// (unlike the teacher's mTLS-backed cluster API).
func DialBlobStore(addr string) (BlobStoreClient, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("migration: dial blob store at %s: %w", addr, err)
	}
	return &grpcBlobStoreClient{conn: conn}, nil
}

func (c *grpcBlobStoreClient) Upload(ctx context.Context, srcFile, destName, container string) error {
	req, err := structpb.NewStruct(map[string]interface{}{
		"src_file":  srcFile,
		"dest_name": destName,
		"container": container,
	})
	if err != nil {
		return fmt.Errorf("migration: build upload request: %w", err)
	}
	resp := &structpb.Struct{}
	return c.conn.Invoke(ctx, "/migration.BlobStore/Upload", req, resp)
}

func (c *grpcBlobStoreClient) Download(ctx context.Context, srcName, destFile, container string) error {
	req, err := structpb.NewStruct(map[string]interface{}{
		"src_name":  srcName,
		"dest_file": destFile,
		"container": container,
	})
	if err != nil {
		return fmt.Errorf("migration: build download request: %w", err)
	}
	resp := &structpb.Struct{}
	return c.conn.Invoke(ctx, "/migration.BlobStore/Download", req, resp)
}

func (c *grpcBlobStoreClient) Close() error {
	return c.conn.Close()
}

// ConnectionStringSource resolves a blob-store connection string from
// configuration, decrypting it via the injected secret-store reference
// if it is in encrypted form (spec.md §4.G).
type ConnectionStringSource struct {
	Sections []string // resolution priority order, e.g. {"migration.azure", "migration.sql", "migration.default"}
	Lookup   func(section string) (string, bool)
	Secrets  *secretstore.Store
}

// Resolve walks Sections in order and returns the first configured
// value, decrypted.
func (s *ConnectionStringSource) Resolve() (string, error) {
	for _, section := range s.Sections {
		raw, ok := s.Lookup(section)
		if !ok {
			continue
		}
		if s.Secrets == nil {
			return raw, nil
		}
		return s.Secrets.DecryptConnectionString(raw)
	}
	return "", fmt.Errorf("migration: no connection string configured in sections %v", s.Sections)
}
