package cachekey

import (
	"net/http"
	"net/url"
	"testing"
)

func TestKeyIgnoresQueryOrder(t *testing.T) {
	keyer := NewKeyer(nil)
	a, err := keyer.Key("GET", "/api/products?page=2&category=elektrika")
	if err != nil {
		t.Fatal(err)
	}
	b, err := keyer.Key("GET", "/api/products?category=elektrika&page=2")
	if err != nil {
		t.Fatal(err)
	}
	if a != b {
		t.Fatalf("Keys differ: %s != %s", a, b)
	}
	if a != "GET:/api/products?category=elektrika&page=2" {
		t.Fatalf("Key is %s", a)
	}
}

func TestKeyNormalizesHost(t *testing.T) {
	keyer := NewKeyer(nil)
	a := keyer.MustKey("HTTPS://Shop.Example.com:443/api/cart#top")
	b := keyer.MustKey("https://shop.example.com/api/cart")
	if a != b {
		t.Fatalf("Keys differ: %s != %s", a, b)
	}
}

func TestKeyKeepsRepeatedValueOrder(t *testing.T) {
	keyer := NewKeyer(nil)
	a := keyer.MustKey("/api/products?id=2&id=1")
	b := keyer.MustKey("/api/products?id=1&id=2")
	if a == b {
		t.Fatalf("Keys should differ, both are %s", a)
	}
}

func TestKeyResolvesAgainstBase(t *testing.T) {
	base, _ := url.Parse("http://localhost:5000")
	keyer := NewKeyer(base)
	if key := keyer.MustKey("/api/orders/../products"); key != "GET:http://localhost:5000/api/products" {
		t.Fatalf("Key is %s", key)
	}
}

func TestKeyRejectsUnsafeMethods(t *testing.T) {
	keyer := NewKeyer(nil)
	if _, err := keyer.Key("POST", "/api/cart"); err != ErrorMethodNotSupported {
		t.Fatalf("Expected ErrorMethodNotSupported, got %v", err)
	}
}

func TestRequestFromKey(t *testing.T) {
	keyer := NewKeyer(nil)
	r, _ := http.NewRequest("GET", "http://dev.localhost/page?b=2&a=1", nil)
	key, err := keyer.KeyForRequest(r)
	if err != nil {
		t.Fatal(err)
	}
	req, err := keyer.RequestFromKey(key)
	if err != nil {
		t.Fatalf("%s: %s", key, err)
	}
	if url := req.URL.String(); url != "http://dev.localhost/page?a=1&b=2" {
		t.Fatalf("Created request url for key %s is %s", key, url)
	}
	if URLFromKey(key) != "http://dev.localhost/page?a=1&b=2" {
		t.Fatalf("URL from key is %s", URLFromKey(key))
	}
}
