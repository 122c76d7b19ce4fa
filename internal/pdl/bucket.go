package pdl

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"

	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob" // file:// buckets
	_ "gocloud.dev/blob/gcsblob"  // gs:// buckets
	_ "gocloud.dev/blob/memblob"  // mem:// buckets
	_ "gocloud.dev/blob/s3blob"   // s3:// buckets
	"gocloud.dev/gcerrors"

	"github.com/opensha/aafs/internal/fault"
)

// ProductType is the product type of aftershock forecasts.
const ProductType = "oaf"

const productPrefix = "products/"

// BucketPublisher files products in a blob bucket, one object per
// (event, source): products/<event id>/<source>.json. Downstream
// distribution reads the bucket.
type BucketPublisher struct {
	bucket *blob.Bucket
	url    string
	source string
	key    ed25519.PrivateKey
}

// OpenBucketPublisher opens the bucket at url (file://, mem://, s3://,
// gs://). source is this server's product source code.
func OpenBucketPublisher(ctx context.Context, url, source string, key ed25519.PrivateKey) (*BucketPublisher, error) {
	if source == "" {
		return nil, fmt.Errorf("open publisher: empty source code")
	}
	if len(key) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("open publisher: invalid signing key")
	}
	b, err := blob.OpenBucket(ctx, url)
	if err != nil {
		return nil, fault.External("open bucket", url, err)
	}
	return &BucketPublisher{bucket: b, url: url, source: source, key: key}, nil
}

// Close releases the bucket.
func (p *BucketPublisher) Close() error {
	return p.bucket.Close()
}

// PublicKey returns the verification key of signed products.
func (p *BucketPublisher) PublicKey() ed25519.PublicKey {
	return p.key.Public().(ed25519.PublicKey)
}

func productKey(eventID, source string) string {
	return productPrefix + eventID + "/" + source + ".json"
}

func (p *BucketPublisher) BuildProduct(ctx context.Context, req BuildRequest) (*Product, error) {
	if req.EventID == "" {
		return nil, fault.Protocol("build product", "empty event id")
	}
	existing, err := p.read(ctx, productKey(req.EventID, p.source))
	if err != nil {
		return nil, err
	}
	if existing != nil && existing.UpdateTime > req.UpdateTime {
		return nil, nil
	}
	return &Product{
		Source:       p.source,
		Type:         ProductType,
		Code:         req.EventID,
		EventNetwork: req.EventNetwork,
		EventCode:    req.EventCode,
		Reviewed:     req.Reviewed,
		UpdateTime:   req.UpdateTime,
		Payload:      req.Payload,
	}, nil
}

// signedBytes is the message covered by the signature.
func signedBytes(pr *Product) ([]byte, error) {
	unsigned := *pr
	unsigned.Signature = nil
	return json.Marshal(unsigned)
}

func (p *BucketPublisher) Sign(pr *Product) error {
	msg, err := signedBytes(pr)
	if err != nil {
		return fault.ProtocolWrap("sign product", err)
	}
	pr.Signature = ed25519.Sign(p.key, msg)
	return nil
}

// Verify checks a product signature.
func Verify(pub ed25519.PublicKey, pr *Product) bool {
	msg, err := signedBytes(pr)
	if err != nil {
		return false
	}
	return ed25519.Verify(pub, msg, pr.Signature)
}

func (p *BucketPublisher) Send(ctx context.Context, pr *Product) error {
	if len(pr.Signature) == 0 {
		return fault.Protocol("send product", "product %s is not signed", pr.Code)
	}
	data, err := json.Marshal(pr)
	if err != nil {
		return fault.ProtocolWrap("send product", err)
	}
	key := productKey(pr.Code, pr.Source)
	if err := p.bucket.WriteAll(ctx, key, data, &blob.WriterOptions{ContentType: "application/json"}); err != nil {
		return fault.External("send product", p.url, err)
	}
	return nil
}

// Fetch reads the stored product for an event and source, or nil.
func (p *BucketPublisher) Fetch(ctx context.Context, eventID, source string) (*Product, error) {
	return p.read(ctx, productKey(eventID, source))
}

func (p *BucketPublisher) read(ctx context.Context, key string) (*Product, error) {
	data, err := p.bucket.ReadAll(ctx, key)
	if gcerrors.Code(err) == gcerrors.NotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fault.External("read product", p.url, err)
	}
	var pr Product
	if err := json.Unmarshal(data, &pr); err != nil {
		return nil, fault.ProtocolWrap("decode product "+key, err)
	}
	return &pr, nil
}

type storedProduct struct {
	key     string
	source  string
	product *Product
}

func (p *BucketPublisher) list(ctx context.Context, eventID string) ([]storedProduct, error) {
	var out []storedProduct
	it := p.bucket.List(&blob.ListOptions{Prefix: productPrefix + eventID + "/"})
	for {
		obj, err := it.Next(ctx)
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, fault.External("list products", p.url, err)
		}
		if obj.IsDir {
			continue
		}
		source := strings.TrimSuffix(path.Base(obj.Key), ".json")
		pr, err := p.read(ctx, obj.Key)
		if err != nil {
			return nil, err
		}
		if pr == nil {
			continue
		}
		out = append(out, storedProduct{key: obj.Key, source: source, product: pr})
	}
}

func (p *BucketPublisher) DeleteOldProducts(ctx context.Context, eventIDs []string, cutoff int64) (DeleteResult, error) {
	var ours []storedProduct
	var res DeleteResult
	for _, id := range eventIDs {
		found, err := p.list(ctx, id)
		if err != nil {
			return DeleteResult{}, err
		}
		for _, sp := range found {
			if sp.source != p.source {
				return DeleteResult{Outcome: DeleteForeign, ForeignSource: sp.source}, nil
			}
			res.UpdateTime = max(res.UpdateTime, sp.product.UpdateTime)
			ours = append(ours, sp)
		}
	}
	if len(ours) == 0 {
		res.Outcome = DeleteNotFound
		return res, nil
	}
	if res.UpdateTime > cutoff {
		res.Outcome = DeleteBlocked
		return res, nil
	}
	res.Outcome = DeleteDeleted
	for _, sp := range ours {
		if err := p.bucket.Delete(ctx, sp.key); err != nil && gcerrors.Code(err) != gcerrors.NotFound {
			res.Outcome = DeleteIncomplete
		}
	}
	return res, nil
}

// LoadOrCreateKey reads a hex-encoded ed25519 seed from path, creating the
// file with a fresh key when it does not exist. An empty path yields an
// ephemeral key.
func LoadOrCreateKey(path string) (ed25519.PrivateKey, error) {
	if path == "" {
		_, priv, err := ed25519.GenerateKey(rand.Reader)
		return priv, err
	}
	data, err := os.ReadFile(path)
	if err == nil {
		seed, err := hex.DecodeString(strings.TrimSpace(string(data)))
		if err != nil || len(seed) != ed25519.SeedSize {
			return nil, fmt.Errorf("signing key %s: expected %d hex-encoded bytes", path, ed25519.SeedSize)
		}
		return ed25519.NewKeyFromSeed(seed), nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("read signing key %s: %w", path, err)
	}
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, []byte(hex.EncodeToString(priv.Seed())+"\n"), 0o600); err != nil {
		return nil, fmt.Errorf("write signing key %s: %w", path, err)
	}
	return priv, nil
}
