// SPDX-FileCopyrightText: 2025 NSCR contributors
// SPDX-License-Identifier: Apache-2.0

package test

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"math/rand"

	"github.com/docker/distribution/manifest/manifestlist"
	"github.com/docker/distribution/manifest/schema2"
	"github.com/opencontainers/go-digest"
)

// Bytes groups a bytestring with its digest.
type Bytes struct {
	Contents  []byte
	Digest    digest.Digest
	MediaType string
}

// NewBytes makes a new Bytes instance.
func NewBytes(contents []byte) Bytes {
	return newBytesWithMediaType(contents, "application/octet-stream")
}

func newBytesWithMediaType(contents []byte, mediaType string) Bytes {
	return Bytes{contents, digest.Canonical.FromBytes(contents), mediaType}
}

// GenerateExampleLayer generates a blob of 1 MiB that can be used like an
// image layer when constructing image manifests for unit tests. The contents
// are generated deterministically from the given seed.
func GenerateExampleLayer(seed int64) Bytes {
	r := rand.New(rand.NewSource(seed)) //nolint:gosec // test data generation
	buf := make([]byte, 1<<20)
	r.Read(buf)

	var compressed bytes.Buffer
	w := gzip.NewWriter(&compressed)
	w.Write(buf) //nolint:errcheck
	w.Close()

	return newBytesWithMediaType(compressed.Bytes(), schema2.MediaTypeLayer)
}

// Image contains all the pieces of a Docker image. The Layers and Config must
// be uploaded to the registry as blobs.
type Image struct {
	Layers   []Bytes
	Config   Bytes
	Manifest Bytes
}

// GenerateImage makes an Image from the given layers in a deterministic
// manner.
func GenerateImage(layers ...Bytes) Image {
	var diffIDs []string
	for _, layer := range layers {
		diffIDs = append(diffIDs, layer.Digest.String())
	}
	configBytes, _ := json.Marshal(map[string]any{
		"architecture": "amd64",
		"os":           "linux",
		"config": map[string]any{
			"Cmd": []string{"/bin/sh"},
		},
		"rootfs": map[string]any{
			"type":     "layers",
			"diff_ids": diffIDs,
		},
	})
	config := newBytesWithMediaType(configBytes, schema2.MediaTypeImageConfig)

	layerDescs := []map[string]any{}
	for _, layer := range layers {
		layerDescs = append(layerDescs, map[string]any{
			"mediaType": layer.MediaType,
			"size":      len(layer.Contents),
			"digest":    layer.Digest.String(),
		})
	}
	manifestBytes, _ := json.Marshal(map[string]any{
		"schemaVersion": 2,
		"mediaType":     schema2.MediaTypeManifest,
		"config": map[string]any{
			"mediaType": config.MediaType,
			"size":      len(config.Contents),
			"digest":    config.Digest.String(),
		},
		"layers": layerDescs,
	})

	return Image{
		Layers:   layers,
		Config:   config,
		Manifest: newBytesWithMediaType(manifestBytes, schema2.MediaTypeManifest),
	}
}

// DigestRef returns the digest of the image manifest, in the format expected
// by the <reference> URL element.
func (i Image) DigestRef() string {
	return i.Manifest.Digest.String()
}

// ImageList contains a manifest list (multi-arch image) and the images in it.
type ImageList struct {
	Images   []Image
	Manifest Bytes
}

// GenerateImageList makes an ImageList from the given images in a
// deterministic manner.
func GenerateImageList(images ...Image) ImageList {
	architectures := []string{"amd64", "arm64", "386", "ppc64le", "s390x"}

	manifestDescs := []map[string]any{}
	for idx, img := range images {
		manifestDescs = append(manifestDescs, map[string]any{
			"mediaType": img.Manifest.MediaType,
			"size":      len(img.Manifest.Contents),
			"digest":    img.Manifest.Digest.String(),
			"platform": map[string]any{
				"architecture": architectures[idx%len(architectures)],
				"os":           "linux",
			},
		})
	}
	manifestBytes, _ := json.Marshal(map[string]any{
		"schemaVersion": 2,
		"mediaType":     manifestlist.MediaTypeManifestList,
		"manifests":     manifestDescs,
	})

	return ImageList{
		Images:   images,
		Manifest: newBytesWithMediaType(manifestBytes, manifestlist.MediaTypeManifestList),
	}
}

// DigestRef returns the digest of the list manifest, in the format expected
// by the <reference> URL element.
func (l ImageList) DigestRef() string {
	return l.Manifest.Digest.String()
}
