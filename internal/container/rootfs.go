package container

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"

	"sandbox-engine/internal/sandbox"
)

// ImageName returns the archive name of the Alpine minirootfs.
func ImageName(version, arch string) string {
	return fmt.Sprintf("alpine-minirootfs-%s-%s.tar.gz", version, Architectures[arch])
}

// HasShell reports whether rootfs already holds an extracted image.
func HasShell(rootfs string) bool {
	_, err := os.Lstat(filepath.Join(rootfs, "bin", "sh"))
	return err == nil
}

// ExtractRootfs unpacks a gzipped tar archive into dest. Entries that would
// land outside dest are rejected, writes never follow symlinks out of dest,
// and setuid/setgid bits and device nodes are dropped.
func ExtractRootfs(archive, dest string) error {
	f, err := os.Open(archive)
	if err != nil {
		return fmt.Errorf("%w: %v", sandbox.ErrExtractionFailed, err)
	}
	defer f.Close()

	if err := os.MkdirAll(dest, 0o755); err != nil {
		return fmt.Errorf("%w: %v", sandbox.ErrExtractionFailed, err)
	}
	root, err := os.OpenRoot(dest)
	if err != nil {
		return fmt.Errorf("%w: %v", sandbox.ErrExtractionFailed, err)
	}
	defer root.Close()

	if err := extract(f, root); err != nil {
		return fmt.Errorf("%w: %v", sandbox.ErrExtractionFailed, err)
	}
	return nil
}

func extract(r io.Reader, root *os.Root) error {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return fmt.Errorf("failed to create gzip reader: %w", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("error reading tar: %w", err)
		}

		name, err := entryName(header.Name)
		if err != nil {
			return err
		}
		if name == "." {
			continue
		}
		if dir := path.Dir(name); dir != "." {
			if err := root.MkdirAll(dir, 0o755); err != nil {
				return fmt.Errorf("create parent of %s: %w", name, err)
			}
		}

		mode := header.FileInfo().Mode() & (fs.ModePerm | fs.ModeSticky)
		switch header.Typeflag {
		case tar.TypeDir:
			if err := root.MkdirAll(name, 0o755); err != nil {
				return fmt.Errorf("create directory %s: %w", name, err)
			}
			if err := root.Chmod(name, mode|0o700); err != nil {
				return fmt.Errorf("chmod %s: %w", name, err)
			}
		case tar.TypeReg:
			if err := writeEntry(root, name, tr, mode); err != nil {
				return err
			}
		case tar.TypeSymlink:
			// Targets are interpreted inside the jail; only the link itself
			// must stay within dest.
			_ = root.Remove(name)
			if err := root.Symlink(header.Linkname, name); err != nil {
				return fmt.Errorf("symlink %s: %w", name, err)
			}
		case tar.TypeLink:
			target, err := entryName(header.Linkname)
			if err != nil {
				return err
			}
			_ = root.Remove(name)
			if err := root.Link(target, name); err != nil {
				return fmt.Errorf("hard link %s: %w", name, err)
			}
		case tar.TypeChar, tar.TypeBlock, tar.TypeFifo:
			log.Debug().Str("entry", name).Msg("skipping special file in rootfs archive")
		default:
			return fmt.Errorf("unsupported file type in tar: %c", header.Typeflag)
		}
	}
}

// entryName cleans an archive path and rejects absolute or escaping names.
func entryName(name string) (string, error) {
	if filepath.IsAbs(name) || strings.HasPrefix(name, "/") {
		return "", fmt.Errorf("absolute path not allowed in tar: %s", name)
	}
	clean := path.Clean(name)
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("unsafe relative path in tar: %s", name)
	}
	return clean, nil
}

func writeEntry(root *os.Root, name string, r io.Reader, mode fs.FileMode) error {
	_ = root.Remove(name)
	out, err := root.OpenFile(name, os.O_WRONLY|os.O_CREATE|os.O_EXCL, mode)
	if err != nil {
		return fmt.Errorf("create %s: %w", name, err)
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		return fmt.Errorf("write %s: %w", name, err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("close %s: %w", name, err)
	}
	return root.Chmod(name, mode)
}

// ensureImage returns the local path of the base image for arch, fetching it
// from the configured mirror when it is missing.
func (m *Manager) ensureImage(ctx context.Context, arch string) (string, error) {
	name := ImageName(m.cfg.AlpineVersion, arch)
	local := filepath.Join(m.cfg.ImageDir, name)
	if _, err := os.Stat(local); err == nil {
		return local, nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("%w: %v", sandbox.ErrExtractionFailed, err)
	}
	if m.cfg.ImageURL == "" {
		return "", fmt.Errorf("%w: base image %s not found in %s", sandbox.ErrExtractionFailed, name, m.cfg.ImageDir)
	}

	alpineArch := Architectures[arch]
	url := imageURL(m.cfg.ImageURL, m.cfg.AlpineVersion, alpineArch)
	want := strings.ToLower(strings.TrimSpace(m.cfg.ImageSHA256[alpineArch]))
	if want == "" {
		sum, err := fetchChecksum(ctx, url+".sha256")
		if err != nil {
			return "", fmt.Errorf("%w: checksum for %s: %v", sandbox.ErrExtractionFailed, url, err)
		}
		want = sum
	}
	log.Info().Str("url", url).Str("sha256", want).Msg("downloading base image")
	if err := download(ctx, url, local, want); err != nil {
		return "", fmt.Errorf("%w: download %s: %v", sandbox.ErrExtractionFailed, url, err)
	}
	return local, nil
}

// fetchChecksum reads a sha256sum-style file and returns its digest.
func fetchChecksum(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unexpected status %s", resp.Status)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return "", err
	}
	fields := strings.Fields(string(data))
	if len(fields) == 0 {
		return "", errors.New("empty checksum file")
	}
	sum := strings.ToLower(fields[0])
	if b, err := hex.DecodeString(sum); err != nil || len(b) != sha256.Size {
		return "", fmt.Errorf("malformed sha256 %q", fields[0])
	}
	return sum, nil
}

func imageURL(tmpl, version, arch string) string {
	branch := version
	if parts := strings.Split(version, "."); len(parts) >= 2 {
		branch = parts[0] + "." + parts[1]
	}
	return strings.NewReplacer("{version}", version, "{branch}", branch, "{arch}", arch).Replace(tmpl)
}

// download writes url to dest only when its sha256 equals want.
func download(ctx context.Context, url, dest, want string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %s", resp.Status)
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(dest), ".download-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	h := sha256.New()
	if _, err := io.Copy(io.MultiWriter(tmp, h), resp.Body); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if got := hex.EncodeToString(h.Sum(nil)); got != want {
		return fmt.Errorf("sha256 mismatch: got %s, want %s", got, want)
	}
	return os.Rename(tmp.Name(), dest)
}
