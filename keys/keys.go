// Package keys loads certificates for trust anchors and intermediate
// collections from PEM and DER encoded files and directories.
package keys

import (
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Common errors
var (
	ErrNoCertFound   = errors.New("no certificate found in data")
	ErrMultipleCerts = errors.New("expected exactly one certificate")
)

// certExtensions are the file suffixes picked up when loading a directory.
var certExtensions = map[string]bool{
	".pem": true,
	".crt": true,
	".cer": true,
	".der": true,
}

// LoadCertFromPemDer loads a single certificate from a PEM or DER encoded file.
func LoadCertFromPemDer(filename string) (*x509.Certificate, error) {
	certs, err := LoadCertsFromPemDer(filename)
	if err != nil {
		return nil, err
	}
	if len(certs) != 1 {
		return nil, fmt.Errorf("%w: found %d certificates in %s", ErrMultipleCerts, len(certs), filename)
	}
	return certs[0], nil
}

// LoadCertsFromPemDer loads certificates from a PEM or DER encoded file.
func LoadCertsFromPemDer(filename string) ([]*x509.Certificate, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read file %s: %w", filename, err)
	}
	return LoadCertsFromPemDerData(data)
}

// LoadCertsFromPemDerData loads certificates from PEM or DER encoded data.
// DER input may hold one certificate or several concatenated.
func LoadCertsFromPemDerData(data []byte) ([]*x509.Certificate, error) {
	var certs []*x509.Certificate

	if isPEM(data) {
		rest := data
		for len(rest) > 0 {
			var block *pem.Block
			block, rest = pem.Decode(rest)
			if block == nil {
				break
			}
			// Only process CERTIFICATE blocks
			if block.Type != "CERTIFICATE" {
				continue
			}
			cert, err := x509.ParseCertificate(block.Bytes)
			if err != nil {
				return nil, fmt.Errorf("failed to parse certificate: %w", err)
			}
			certs = append(certs, cert)
		}
	} else {
		parsed, err := x509.ParseCertificates(data)
		if err != nil {
			return nil, fmt.Errorf("failed to parse DER certificate: %w", err)
		}
		certs = parsed
	}

	if len(certs) == 0 {
		return nil, ErrNoCertFound
	}
	return certs, nil
}

// LoadCertsFromPemDerFiles loads certificates from multiple files.
func LoadCertsFromPemDerFiles(filenames []string) ([]*x509.Certificate, error) {
	var allCerts []*x509.Certificate
	for _, filename := range filenames {
		certs, err := LoadCertsFromPemDer(filename)
		if err != nil {
			return nil, fmt.Errorf("failed to load certs from %s: %w", filename, err)
		}
		allCerts = append(allCerts, certs...)
	}
	return allCerts, nil
}

// LoadCertsFromPaths loads every path, which may name a file or a directory.
// Directories contribute their .pem, .crt, .cer and .der files in name order,
// without recursing. Relative paths are resolved against baseDir.
func LoadCertsFromPaths(baseDir string, paths []string) ([]*x509.Certificate, error) {
	var allCerts []*x509.Certificate
	for _, p := range paths {
		if !filepath.IsAbs(p) && baseDir != "" {
			p = filepath.Join(baseDir, p)
		}
		fi, err := os.Stat(p)
		if err != nil {
			return nil, fmt.Errorf("failed to load certs from %s: %w", p, err)
		}
		if !fi.IsDir() {
			certs, err := LoadCertsFromPemDer(p)
			if err != nil {
				return nil, err
			}
			allCerts = append(allCerts, certs...)
			continue
		}

		files, err := certFilesIn(p)
		if err != nil {
			return nil, err
		}
		certs, err := LoadCertsFromPemDerFiles(files)
		if err != nil {
			return nil, err
		}
		allCerts = append(allCerts, certs...)
	}
	return allCerts, nil
}

func certFilesIn(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read directory %s: %w", dir, err)
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() || !certExtensions[strings.ToLower(filepath.Ext(e.Name()))] {
			continue
		}
		files = append(files, filepath.Join(dir, e.Name()))
	}
	sort.Strings(files)
	return files, nil
}

func isPEM(data []byte) bool {
	return strings.Contains(string(data[:min(len(data), 1024)]), "-----BEGIN")
}
