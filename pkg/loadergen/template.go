package loadergen

import (
	"strings"
	"text/template"
)

// selfHashPlaceholder is the literal value slot for the loader body's own
// integrity hash. It is rendered in step 1, survives the obfuscation and
// splice steps untouched, and is substituted with the @@-framed hash in
// step 4. The runtime self-check and VerifySelfHash both swap the filled
// slot back for this placeholder before summing, so the slot must be the
// body's first @@-framed decimal and this exact marker its restored form.
const selfHashPlaceholder = "@@SELF_INTEGRITY@@"

// loaderTemplate is the protocol client the generator renders per
// deployment. It mirrors the state machine in pkg/loaderclient: integrity
// self-check, anti-debug, environment fingerprint, handshake with bounded
// retries, payload decrypt with checksum compare, sandboxed execution, and
// a background tamper monitor. All failures are silent. The chunk receives
// its own stored source from the load shell as its first argument; self_ok
// restores the hash slot to the placeholder and sums that source, both
// before the handshake and on every monitor tick.
const loaderTemplate = `local self_src = ({...})[1]
local deployment_id = "{{.DeploymentID}}"
local api_origin = "{{.APIOrigin}}"
local payload_sum = {{.PayloadHash}}
local payload_key = "{{.ObfuscationKey}}"
local tamper_key = "{{.AntiTamperKey}}"
local self_sum = "` + selfHashPlaceholder + `"
local exec_count = 0
local exec_limit = 1

local function byte_sum(s)
	local h = 0
	for i = 1, #s do
		h = (h + string.byte(s, i)) % 4294967296
	end
	return h
end

local function self_ok()
	if self_src == nil then
		return false
	end
	local claim = tonumber(string.match(self_sum, "%d+") or "")
	if claim == nil then
		return false
	end
	local slot = "@@" .. "SELF" .. "_INTEGRITY" .. "@@"
	local restored = string.gsub(self_src, self_sum, slot, 1)
	return byte_sum(restored) == claim
end

local function decode_stream(s, k)
	local out = {}
	for i = 1, #s do
		local kb = string.byte(k, ((i - 1) % #k) + 1)
		out[i] = string.char((string.byte(s, i) - kb) % 256)
	end
	return table.concat(out)
end

local function env_fingerprint()
	local n = 0
	for _ in pairs(_G) do n = n + 1 end
	return n
end

local function guard()
	if debug ~= nil and type(debug.getinfo) == "function" then
		return false
	end
	return true
end

local function handshake(fingerprint)
	local body = table.concat({
		deployment_id, user_key or "", caller_id or "", "v1", tostring(fingerprint),
	}, "|")
	for attempt = 1, 3 do
		local ok, resp = pcall(request, api_origin .. "/v1/validate", body)
		if ok and resp ~= nil then
			return resp
		end
		wait(1 + math.random() * 2)
	end
	return nil
end

local function run()
	if exec_count >= exec_limit then
		return
	end
	exec_count = exec_count + 1
	if not self_ok() then
		return
	end
	if not guard() then
		return
	end
	local baseline = env_fingerprint()
	local resp = handshake(baseline)
	if resp == nil or resp.valid ~= true then
		return
	end
	local plain = decode_stream(resp.code, payload_key)
	if byte_sum(plain) ~= payload_sum then
		return
	end
	local sandbox = {
		print = print, string = string, table = table, math = math,
		pairs = pairs, ipairs = ipairs, tostring = tostring, tonumber = tonumber,
	}
	local chunk = (loadstring or load)(plain)
	if chunk == nil then
		return
	end
	if setfenv ~= nil then
		setfenv(chunk, sandbox)
	end
	pcall(chunk)
	while true do
		wait(5 + math.random() * 10)
		local drift = env_fingerprint() - baseline
		if drift > 25 or drift < -25 or not self_ok() then
			pcall(request, api_origin .. "/v1/tamper-report", deployment_id .. "|" .. tamper_key)
			return
		end
	end
end

pcall(run)
`

var loaderTmpl = template.Must(template.New("loader").Parse(loaderTemplate))

func renderTemplate(cfg Config) (string, error) {
	var b strings.Builder
	if err := loaderTmpl.Execute(&b, cfg); err != nil {
		return "", err
	}
	return b.String(), nil
}
