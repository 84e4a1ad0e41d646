package agent

import (
	"path/filepath"
	"regexp"
	"runtime"
	"strconv"
)

const (
	posixKrakenRoot   = "/opt/kraken"
	windowsKrakenRoot = `C:\Kraken`
)

func krakenRoot() string {
	if runtime.GOOS == "windows" {
		return windowsKrakenRoot
	}
	return posixKrakenRoot
}

// installRoot holds one directory tree per installed release:
// <installRoot>/<agentId>/<env>/<version>/script/<step>/.
func installRoot() string {
	return envOrDefault("KRAKEN_INSTALL_ROOT", filepath.Join(krakenRoot(), "Installations"))
}

// artifactsRoot holds downloaded artifact payloads:
// <artifactsRoot>/<agentId>/<name>/<version>/<file>.
func artifactsRoot() string {
	return envOrDefault("KRAKEN_ARTIFACTS_ROOT", filepath.Join(krakenRoot(), "Artifacts"))
}

// tokenStoreRoot is where refresh.blob lives.
func tokenStoreRoot() string {
	return envOrDefault("KRAKEN_ROOT", krakenRoot())
}

func platformTag() string {
	return runtime.GOOS
}

var unsafeNameChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// sanitizeEnvironmentName makes an environment name safe to use as a single
// path segment. Runs of unsafe characters collapse into one underscore.
func sanitizeEnvironmentName(name string) string {
	sanitized := unsafeNameChars.ReplaceAllString(name, "_")
	if sanitized == "" || sanitized == "." || sanitized == ".." {
		return "_"
	}
	return sanitized
}

func stepScriptDir(installRoot, agentID, environment, releaseVersion string, stepOrder int) string {
	return filepath.Join(
		installRoot,
		agentID,
		sanitizeEnvironmentName(environment),
		releaseVersion,
		"script",
		strconv.Itoa(stepOrder),
	)
}

func artifactVersionDir(artifactsRoot, agentID, name, artifactVersion string) string {
	return filepath.Join(artifactsRoot, agentID, name, artifactVersion)
}

func scriptFileName() string {
	if runtime.GOOS == "windows" {
		return "deploy.ps1"
	}
	return "deploy.sh"
}
