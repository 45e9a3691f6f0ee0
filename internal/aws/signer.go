package aws

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"
	"time"

	awscreds "github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
)

// ExecuteAPIService is the SigV4 signing name for API Gateway endpoints.
const ExecuteAPIService = "execute-api"

// SignRequest signs req in place with SigV4. body must be the exact bytes
// that will be sent.
func SignRequest(ctx context.Context, creds SessionCredentials, req *http.Request, body []byte, service string) error {
	h := sha256.Sum256(body)
	payloadHash := hex.EncodeToString(h[:])

	signer := v4.NewSigner()
	c := awscreds.Credentials{
		AccessKeyID:     creds.AccessKeyID,
		SecretAccessKey: creds.SecretAccessKey,
		SessionToken:    creds.SessionToken,
	}

	region := creds.Region
	if region == "" {
		region = RegionFromHost(req.URL.Host)
	}

	if err := signer.SignHTTP(ctx, c, req, payloadHash, service, region, time.Now()); err != nil {
		return fmt.Errorf("signing request: %w", err)
	}
	return nil
}

// RegionFromHost extracts the region from an AWS endpoint host such as
// abc123.execute-api.eu-west-1.amazonaws.com. It falls back to us-east-1.
func RegionFromHost(host string) string {
	host = strings.Split(host, ":")[0]
	parts := strings.Split(host, ".")
	for i := 0; i+2 < len(parts); i++ {
		if parts[i+2] == "amazonaws" && strings.Count(parts[i+1], "-") >= 2 {
			return parts[i+1]
		}
	}
	return "us-east-1"
}
