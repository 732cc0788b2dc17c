package att

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// TestReadLongReadTerminatesOnInvalidOffset exercises the long-read chain
// (spec.md §4.4.3): a first Read-Response that exactly fills MTU-1 forces
// a Read-Blob-Request, and the peer ending the chain with invalid-offset
// (rather than attribute-not-long) must be treated as normal termination,
// returning the bytes accumulated so far with no error.
func TestReadLongReadTerminatesOnInvalidOffset(t *testing.T) {
	srv, pipe, acl := setupServerWithConn(t)
	conn := srv.Connection(acl)

	cl := NewClient(conn)

	const handle = uint16(3)
	full := strings.Repeat("x", int(defaultMTU)-1) // fills ATT_MTU-1, forcing a blob request
	result := make(chan []byte, 1)
	errc := make(chan error, 1)
	go func() {
		v, err := cl.Read(context.Background(), handle)
		result <- v
		errc <- err
	}()

	req := recvATT(t, pipe)
	require.Equal(t, OpReadReq, req[0])
	pipe.inbox <- aclFrame(acl.Handle, att(OpReadResp, []byte(full)))

	blobReq := recvATT(t, pipe)
	require.Equal(t, OpReadBlobReq, blobReq[0])
	pipe.inbox <- aclFrame(acl.Handle, marshalErrorResp(OpReadBlobReq, handle, EcodeInvalidOffset))

	select {
	case err := <-errc:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Read did not return after invalid-offset termination")
	}
	require.Equal(t, full, string(<-result))
}
