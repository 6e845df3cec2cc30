package kernels

// WGSL sources for the GPU kernels. Tensors are bound as rgba32float textures holding
// the row-major logical elements four to a texel; dims.x of each texture is the row
// width in texels. Every invocation produces one output texel.

const packedHelpers = `
fn texel_coord(texel: u32, width: u32) -> vec2<i32> {
    return vec2<i32>(i32(texel % width), i32(texel / width));
}

fn pick(v: vec4<f32>, channel: u32) -> f32 {
    switch channel {
        case 0u: { return v.x; }
        case 1u: { return v.y; }
        case 2u: { return v.z; }
        default: { return v.w; }
    }
}
`

const uploadShader = `
@group(0) @binding(0) var<storage, read> values: array<f32>;
@group(0) @binding(1) var dst: texture_storage_2d<rgba32float, write>;
@group(0) @binding(2) var<uniform> count: u32;
` + packedHelpers + `
@compute @workgroup_size(64)
fn main(@builtin(global_invocation_id) id: vec3<u32>) {
    let width = textureDimensions(dst).x;
    let texel = id.x;
    let base = texel * 4u;
    if (base >= count) {
        return;
    }
    var out = vec4<f32>(0.0);
    for (var c = 0u; c < 4u; c = c + 1u) {
        if (base + c < count) {
            out[c] = values[base + c];
        }
    }
    textureStore(dst, texel_coord(texel, width), out);
}
`

const copyShader = `
@group(0) @binding(0) var src: texture_2d<f32>;
@group(0) @binding(1) var dst: texture_storage_2d<rgba32float, write>;
@group(0) @binding(2) var<uniform> count: u32;
` + packedHelpers + `
@compute @workgroup_size(64)
fn main(@builtin(global_invocation_id) id: vec3<u32>) {
    let texel = id.x;
    if (texel * 4u >= count) {
        return;
    }
    let src_width = textureDimensions(src).x;
    let dst_width = textureDimensions(dst).x;
    let v = textureLoad(src, texel_coord(texel, src_width), 0);
    textureStore(dst, texel_coord(texel, dst_width), v);
}
`

const unaryShader = `
struct UnaryParams {
    count: u32,
    op: u32,
    alpha: f32,
    _pad: u32,
}

@group(0) @binding(0) var src: texture_2d<f32>;
@group(0) @binding(1) var dst: texture_storage_2d<rgba32float, write>;
@group(0) @binding(2) var<uniform> params: UnaryParams;
` + packedHelpers + `
fn apply(x: f32) -> f32 {
    switch params.op {
        case 1u: { return max(x, 0.0); }
        case 2u: { return clamp(x, 0.0, 6.0); }
        case 3u: { return select(x, params.alpha * x, x < 0.0); }
        case 4u: { return select(x, exp(x) - 1.0, x < 0.0); }
        case 5u: { return 1.0 / (1.0 + exp(-x)); }
        case 6u: { return tanh(x); }
        case 7u: { return exp(x); }
        case 8u: { return -x; }
        case 9u: { return abs(x); }
        case 10u: { return sqrt(x); }
        case 11u: { return x * x; }
        default: { return x; }
    }
}

@compute @workgroup_size(64)
fn main(@builtin(global_invocation_id) id: vec3<u32>) {
    let texel = id.x;
    if (texel * 4u >= params.count) {
        return;
    }
    let width = textureDimensions(dst).x;
    let coord = texel_coord(texel, width);
    let v = textureLoad(src, coord, 0);
    textureStore(dst, coord, vec4<f32>(apply(v.x), apply(v.y), apply(v.z), apply(v.w)));
}
`

const binaryShader = `
struct BinaryParams {
    count: u32,
    op: u32,
    rank: u32,
    _pad: u32,
    out_strides: array<vec4<u32>, 2>,
    a_strides: array<vec4<u32>, 2>,
    b_strides: array<vec4<u32>, 2>,
}

@group(0) @binding(0) var a: texture_2d<f32>;
@group(0) @binding(1) var b: texture_2d<f32>;
@group(0) @binding(2) var dst: texture_storage_2d<rgba32float, write>;
@group(0) @binding(3) var<uniform> params: BinaryParams;
` + packedHelpers + `
fn stride(s: array<vec4<u32>, 2>, d: u32) -> u32 {
    return s[d / 4u][d % 4u];
}

fn load_a(i: u32) -> f32 {
    let width = textureDimensions(a).x;
    return pick(textureLoad(a, texel_coord(i / 4u, width), 0), i % 4u);
}

fn load_b(i: u32) -> f32 {
    let width = textureDimensions(b).x;
    return pick(textureLoad(b, texel_coord(i / 4u, width), 0), i % 4u);
}

fn combine(x: f32, y: f32) -> f32 {
    switch params.op {
        case 0u: { return x + y; }
        case 1u: { return x - y; }
        case 2u: { return x * y; }
        default: { return x / y; }
    }
}

@compute @workgroup_size(64)
fn main(@builtin(global_invocation_id) id: vec3<u32>) {
    let texel = id.x;
    if (texel * 4u >= params.count) {
        return;
    }
    var out = vec4<f32>(0.0);
    for (var c = 0u; c < 4u; c = c + 1u) {
        let i = texel * 4u + c;
        if (i >= params.count) {
            break;
        }
        var rem = i;
        var ai = 0u;
        var bi = 0u;
        for (var d = 0u; d < params.rank; d = d + 1u) {
            let s = stride(params.out_strides, d);
            let coord = rem / s;
            rem = rem % s;
            ai = ai + coord * stride(params.a_strides, d);
            bi = bi + coord * stride(params.b_strides, d);
        }
        out[c] = combine(load_a(ai), load_b(bi));
    }
    let width = textureDimensions(dst).x;
    textureStore(dst, texel_coord(texel, width), out);
}
`

const windowParams = `
struct WindowParams {
    in_h: u32,
    in_w: u32,
    in_c: u32,
    out_h: u32,
    out_w: u32,
    out_c: u32,
    kernel_h: u32,
    kernel_w: u32,
    stride_h: u32,
    stride_w: u32,
    dilation_h: u32,
    dilation_w: u32,
    pad_top: i32,
    pad_left: i32,
    multiplier: u32,
    _pad: u32,
}
`

const conv2DShader = windowParams + `
@group(0) @binding(0) var src: texture_2d<f32>;
@group(0) @binding(1) var weights: texture_2d<f32>;
@group(0) @binding(2) var bias: texture_2d<f32>;
@group(0) @binding(3) var dst: texture_storage_2d<rgba32float, write>;
@group(0) @binding(4) var<uniform> params: WindowParams;
` + packedHelpers + `
fn load_src(i: u32) -> f32 {
    let width = textureDimensions(src).x;
    return pick(textureLoad(src, texel_coord(i / 4u, width), 0), i % 4u);
}

fn load_bias(f: u32) -> f32 {
    let width = textureDimensions(bias).x;
    return pick(textureLoad(bias, texel_coord(f / 4u, width), 0), f % 4u);
}

// Weights are packed [filters, kernel_h, kernel_w, in_c4]; one texel holds four
// consecutive input channels of one tap.
fn load_weights(texel: u32) -> vec4<f32> {
    let width = textureDimensions(weights).x;
    return textureLoad(weights, texel_coord(texel, width), 0);
}

fn conv_element(i: u32) -> f32 {
    let f = i % params.out_c;
    let ox = (i / params.out_c) % params.out_w;
    let oy = i / (params.out_c * params.out_w);
    let in_c4 = (params.in_c + 3u) / 4u;
    var sum = load_bias(f);
    for (var ky = 0u; ky < params.kernel_h; ky = ky + 1u) {
        let iy = i32(oy * params.stride_h + ky * params.dilation_h) - params.pad_top;
        if (iy < 0 || iy >= i32(params.in_h)) {
            continue;
        }
        for (var kx = 0u; kx < params.kernel_w; kx = kx + 1u) {
            let ix = i32(ox * params.stride_w + kx * params.dilation_w) - params.pad_left;
            if (ix < 0 || ix >= i32(params.in_w)) {
                continue;
            }
            let src_base = (u32(iy) * params.in_w + u32(ix)) * params.in_c;
            let w_base = ((f * params.kernel_h + ky) * params.kernel_w + kx) * in_c4;
            for (var c4 = 0u; c4 < in_c4; c4 = c4 + 1u) {
                let w = load_weights(w_base + c4);
                for (var c = 0u; c < 4u; c = c + 1u) {
                    let ch = c4 * 4u + c;
                    if (ch < params.in_c) {
                        sum = sum + load_src(src_base + ch) * w[c];
                    }
                }
            }
        }
    }
    return sum;
}

@compute @workgroup_size(64)
fn main(@builtin(global_invocation_id) id: vec3<u32>) {
    let count = params.out_h * params.out_w * params.out_c;
    let texel = id.x;
    if (texel * 4u >= count) {
        return;
    }
    var out = vec4<f32>(0.0);
    for (var c = 0u; c < 4u; c = c + 1u) {
        let i = texel * 4u + c;
        if (i < count) {
            out[c] = conv_element(i);
        }
    }
    let width = textureDimensions(dst).x;
    textureStore(dst, texel_coord(texel, width), out);
}
`

const depthwiseShader = windowParams + `
@group(0) @binding(0) var src: texture_2d<f32>;
@group(0) @binding(1) var weights: texture_2d<f32>;
@group(0) @binding(2) var bias: texture_2d<f32>;
@group(0) @binding(3) var dst: texture_storage_2d<rgba32float, write>;
@group(0) @binding(4) var<uniform> params: WindowParams;
` + packedHelpers + `
fn load_src(i: u32) -> f32 {
    let width = textureDimensions(src).x;
    return pick(textureLoad(src, texel_coord(i / 4u, width), 0), i % 4u);
}

fn load_weight(i: u32) -> f32 {
    let width = textureDimensions(weights).x;
    return pick(textureLoad(weights, texel_coord(i / 4u, width), 0), i % 4u);
}

fn load_bias(i: u32) -> f32 {
    let width = textureDimensions(bias).x;
    return pick(textureLoad(bias, texel_coord(i / 4u, width), 0), i % 4u);
}

fn depthwise_element(i: u32) -> f32 {
    let o = i % params.out_c;
    let ox = (i / params.out_c) % params.out_w;
    let oy = i / (params.out_c * params.out_w);
    let ch = o / params.multiplier;
    var sum = load_bias(o);
    for (var ky = 0u; ky < params.kernel_h; ky = ky + 1u) {
        let iy = i32(oy * params.stride_h + ky * params.dilation_h) - params.pad_top;
        if (iy < 0 || iy >= i32(params.in_h)) {
            continue;
        }
        for (var kx = 0u; kx < params.kernel_w; kx = kx + 1u) {
            let ix = i32(ox * params.stride_w + kx * params.dilation_w) - params.pad_left;
            if (ix < 0 || ix >= i32(params.in_w)) {
                continue;
            }
            let x = load_src((u32(iy) * params.in_w + u32(ix)) * params.in_c + ch);
            sum = sum + x * load_weight((ky * params.kernel_w + kx) * params.out_c + o);
        }
    }
    return sum;
}

@compute @workgroup_size(64)
fn main(@builtin(global_invocation_id) id: vec3<u32>) {
    let count = params.out_h * params.out_w * params.out_c;
    let texel = id.x;
    if (texel * 4u >= count) {
        return;
    }
    var out = vec4<f32>(0.0);
    for (var c = 0u; c < 4u; c = c + 1u) {
        let i = texel * 4u + c;
        if (i < count) {
            out[c] = depthwise_element(i);
        }
    }
    let width = textureDimensions(dst).x;
    textureStore(dst, texel_coord(texel, width), out);
}
`

const maxPoolShader = windowParams + `
@group(0) @binding(0) var src: texture_2d<f32>;
@group(0) @binding(1) var dst: texture_storage_2d<rgba32float, write>;
@group(0) @binding(2) var<uniform> params: WindowParams;
` + packedHelpers + `
const NEG_INF: f32 = -3.402823466e+38;

fn load_src(i: u32) -> f32 {
    let width = textureDimensions(src).x;
    return pick(textureLoad(src, texel_coord(i / 4u, width), 0), i % 4u);
}

fn pool_element(i: u32) -> f32 {
    let ch = i % params.out_c;
    let ox = (i / params.out_c) % params.out_w;
    let oy = i / (params.out_c * params.out_w);
    var best = NEG_INF;
    for (var ky = 0u; ky < params.kernel_h; ky = ky + 1u) {
        let iy = i32(oy * params.stride_h + ky * params.dilation_h) - params.pad_top;
        for (var kx = 0u; kx < params.kernel_w; kx = kx + 1u) {
            let ix = i32(ox * params.stride_w + kx * params.dilation_w) - params.pad_left;
            var v = NEG_INF;
            if (iy >= 0 && iy < i32(params.in_h) && ix >= 0 && ix < i32(params.in_w)) {
                v = load_src((u32(iy) * params.in_w + u32(ix)) * params.in_c + ch);
            }
            best = max(best, v);
        }
    }
    return best;
}

@compute @workgroup_size(64)
fn main(@builtin(global_invocation_id) id: vec3<u32>) {
    let count = params.out_h * params.out_w * params.out_c;
    let texel = id.x;
    if (texel * 4u >= count) {
        return;
    }
    var out = vec4<f32>(0.0);
    for (var c = 0u; c < 4u; c = c + 1u) {
        let i = texel * 4u + c;
        if (i < count) {
            out[c] = pool_element(i);
        }
    }
    let width = textureDimensions(dst).x;
    textureStore(dst, texel_coord(texel, width), out);
}
`

const padShader = windowParams + `
@group(0) @binding(0) var src: texture_2d<f32>;
@group(0) @binding(1) var dst: texture_storage_2d<rgba32float, write>;
@group(0) @binding(2) var<uniform> params: WindowParams;
` + packedHelpers + `
fn load_src(i: u32) -> f32 {
    let width = textureDimensions(src).x;
    return pick(textureLoad(src, texel_coord(i / 4u, width), 0), i % 4u);
}

fn pad_element(i: u32) -> f32 {
    let ch = i % params.out_c;
    let ox = i32((i / params.out_c) % params.out_w);
    let oy = i32(i / (params.out_c * params.out_w));
    let iy = oy - params.pad_top;
    let ix = ox - params.pad_left;
    if (iy < 0 || iy >= i32(params.in_h) || ix < 0 || ix >= i32(params.in_w)) {
        return 0.0;
    }
    return load_src((u32(iy) * params.in_w + u32(ix)) * params.in_c + ch);
}

@compute @workgroup_size(64)
fn main(@builtin(global_invocation_id) id: vec3<u32>) {
    let count = params.out_h * params.out_w * params.out_c;
    let texel = id.x;
    if (texel * 4u >= count) {
        return;
    }
    var out = vec4<f32>(0.0);
    for (var c = 0u; c < 4u; c = c + 1u) {
        let i = texel * 4u + c;
        if (i < count) {
            out[c] = pad_element(i);
        }
    }
    let width = textureDimensions(dst).x;
    textureStore(dst, texel_coord(texel, width), out);
}
`
